package player

import "errors"

var (
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrInterrupted         = errors.New("load interrupted by a newer request")
	ErrNothingLoaded       = errors.New("nothing loaded")
	ErrEndOfQueue          = errors.New("end of queue")
)

type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorResourceUnavailable
	ErrorPlayback
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorResourceUnavailable:
		return "resource_unavailable"
	case ErrorPlayback:
		return "playback"
	}

	return "none"
}
