package player

import (
	"math"
	"time"
)

const (
	beatsPerBar   = 4
	maxStartDelay = 2 * time.Second
)

// envelope is a linear gain ramp from `from` at start to `to` at end. Before
// start it holds `from`, after end it holds `to`.
type envelope struct {
	from, to   float64
	start, end time.Time
}

func constant(v float64) envelope {
	return envelope{from: v, to: v}
}

func ramp(from, to float64, start time.Time, d time.Duration) envelope {
	return envelope{from: from, to: to, start: start, end: start.Add(d)}
}

func (e envelope) at(t time.Time) float64 {
	if !t.After(e.start) || e.from == e.to {
		return e.from
	}
	if !t.Before(e.end) {
		return e.to
	}

	span := e.end.Sub(e.start).Seconds()
	done := t.Sub(e.start).Seconds()

	return e.from + (e.to-e.from)*done/span
}

// Fade describes an equal-duration linear crossfade.
type Fade struct {
	Start    time.Time
	Duration time.Duration
}

func (f Fade) End() time.Time {
	return f.Start.Add(f.Duration)
}

func (f Fade) Outgoing(t time.Time) float64 {
	return ramp(1, 0, f.Start, f.Duration).at(t)
}

func (f Fade) Incoming(t time.Time) float64 {
	return ramp(0, 1, f.Start, f.Duration).at(t)
}

// BeatMatch returns the playback rate for the incoming track and the delay
// after which it should start so it lands on the next bar of the outgoing
// track. ok is false when either tempo is unknown, in which case rate is 1
// and delay is 0.
func BeatMatch(outgoingBPM, incomingBPM *float64, outgoingPosition float64) (rate float64, delay time.Duration, ok bool) {
	if outgoingBPM == nil || incomingBPM == nil || !validBPM(*outgoingBPM) || !validBPM(*incomingBPM) {
		return 1, 0, false
	}

	rate = *outgoingBPM / *incomingBPM

	bar := beatsPerBar * 60 / *outgoingBPM
	pos := outgoingPosition
	if !isFinite(pos) || pos < 0 {
		pos = 0
	}

	wait := bar - math.Mod(pos, bar)
	delay = time.Duration(wait * float64(time.Second))
	if delay > maxStartDelay {
		delay = 0
	}

	return rate, delay, true
}

func validBPM(v float64) bool {
	return isFinite(v) && v > 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if !isFinite(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}

	return v
}
