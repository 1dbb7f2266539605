package player

type EventKind int

const (
	EventProgress EventKind = iota
	EventState
	EventTrack
	EventSeek
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventState:
		return "state"
	case EventTrack:
		return "track"
	case EventSeek:
		return "seek"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	}

	return "unknown"
}

type Event struct {
	Kind     EventKind
	Track    Track
	Playing  bool
	Position float64
	Duration float64
	ErrKind  ErrorKind
	Err      error
}

type Listener func(Event)

type Hooks struct {
	// OnTrackEnded runs when the active track ended without a crossfade and
	// repeat-one is off. The engine never picks the next track itself.
	OnTrackEnded func(Track)
}
