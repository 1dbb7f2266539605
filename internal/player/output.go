package player

import "context"

// Output is one audio output path. The engine owns exactly two of them.
//
// Load may be called again before a previous Load returned; the latest call
// wins and earlier calls must not replace its media.
type Output interface {
	Load(ctx context.Context, uri string) (duration float64, err error)
	Unload()
	Play() error
	Pause()
	// Stop pauses and rewinds to 0 keeping the media loaded.
	Stop()
	Position() float64
	SetPosition(sec float64)
	Duration() float64
	Ended() bool
	SetGain(gain float64)
	SetRate(rate float64)
}

type StreamResolver interface {
	StreamURI(ctx context.Context, songID int64) (string, error)
}

// Queue supplies the track that follows the current one.
type Queue interface {
	HasNext() bool
	Next(ctx context.Context) (Track, bool, error)
}
