// Package simout is an audio output that renders nothing. Its position is
// derived from a clock, which makes it usable by the headless client and by
// tests driving a mock clock.
package simout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultDuration = 180.0

var (
	ErrNotLoaded  = errors.New("no media loaded")
	ErrSuperseded = errors.New("load superseded")
	ErrEmptyURI   = errors.New("empty stream uri")
)

// ProbeFunc checks that uri is playable and reports its duration in seconds.
type ProbeFunc func(ctx context.Context, uri string) (float64, error)

type Output struct {
	clock clock.Clock
	probe ProbeFunc

	mu       sync.Mutex
	loads    uint64
	uri      string
	loaded   bool
	duration float64
	playing  bool
	base     float64
	anchor   time.Time
	gain     float64
	rate     float64
}

func New(clk clock.Clock, probe ProbeFunc) *Output {
	if clk == nil {
		clk = clock.New()
	}
	if probe == nil {
		probe = fixedProbe
	}

	return &Output{
		clock: clk,
		probe: probe,
		gain:  1,
		rate:  1,
	}
}

func fixedProbe(_ context.Context, uri string) (float64, error) {
	if uri == "" {
		return 0, ErrEmptyURI
	}

	return DefaultDuration, nil
}

func (o *Output) Load(ctx context.Context, uri string) (float64, error) {
	o.mu.Lock()
	o.loads++
	id := o.loads
	o.pauseLocked()
	o.mu.Unlock()

	d, err := o.probe(ctx, uri)

	o.mu.Lock()
	defer o.mu.Unlock()

	if id != o.loads {
		return 0, ErrSuperseded
	}
	if err != nil {
		return 0, fmt.Errorf("failed to probe %q: %w", uri, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.uri = uri
	o.loaded = true
	o.duration = d
	o.playing = false
	o.base = 0

	return d, nil
}

func (o *Output) Unload() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.loads++
	o.uri = ""
	o.loaded = false
	o.duration = 0
	o.playing = false
	o.base = 0
}

func (o *Output) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.loaded {
		return ErrNotLoaded
	}
	if o.playing {
		return nil
	}
	if o.duration > 0 && o.base >= o.duration {
		o.base = 0
	}
	o.anchor = o.clock.Now()
	o.playing = true

	return nil
}

func (o *Output) Pause() {
	o.mu.Lock()
	o.pauseLocked()
	o.mu.Unlock()
}

func (o *Output) pauseLocked() {
	o.base = o.positionLocked()
	o.playing = false
}

func (o *Output) Stop() {
	o.mu.Lock()
	o.playing = false
	o.base = 0
	o.mu.Unlock()
}

func (o *Output) Position() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.positionLocked()
}

func (o *Output) positionLocked() float64 {
	pos := o.base
	if o.playing {
		pos += o.clock.Since(o.anchor).Seconds() * o.rate
	}
	if o.duration > 0 && pos > o.duration {
		pos = o.duration
	}

	return pos
}

func (o *Output) SetPosition(sec float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sec < 0 {
		sec = 0
	}
	if o.duration > 0 && sec > o.duration {
		sec = o.duration
	}
	o.base = sec
	o.anchor = o.clock.Now()
}

func (o *Output) Duration() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.duration
}

func (o *Output) Ended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.loaded && o.duration > 0 && o.positionLocked() >= o.duration
}

func (o *Output) SetGain(gain float64) {
	o.mu.Lock()
	o.gain = gain
	o.mu.Unlock()
}

func (o *Output) Gain() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.gain
}

func (o *Output) SetRate(rate float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.base = o.positionLocked()
	o.anchor = o.clock.Now()
	o.rate = rate
}

func (o *Output) Rate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.rate
}

func (o *Output) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.playing
}

func (o *Output) URI() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.uri
}
