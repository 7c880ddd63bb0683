package recorder

// State is the recorder's lifecycle position.
type State int

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Stopped
	Error
)

var stateNames = [...]string{"idle", "starting", "recording", "stopping", "stopped", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether a session holds resources in this state.
func (s State) Active() bool {
	return s == Starting || s == Recording || s == Stopping
}
