package target

// ListWindows opens a display connection, lists its windows and closes it.
func ListWindows() ([]Window, error) {
	d, err := OpenDisplay()
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Windows()
}
