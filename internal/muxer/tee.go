package muxer

import (
	"github.com/hashicorp/go-multierror"

	"github.com/zsiec/reel/media"
)

// Tee fans packets out to several sinks. A Write error from one sink does
// not stop delivery to the others; errors are aggregated.
type Tee []PacketSink

func (t Tee) Write(p *media.Packet) error {
	var result *multierror.Error
	for _, s := range t {
		if err := s.Write(p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Finalize finalizes every sink, even if some fail.
func (t Tee) Finalize() error {
	var result *multierror.Error
	for _, s := range t {
		if err := s.Finalize(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
