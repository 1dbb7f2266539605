package echoguard

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	CorrectionWindow = 200 * time.Millisecond
	SwapWindow       = 500 * time.Millisecond
)

// Guard marks a short window during which engine events are known to be
// caused by a remote update and must not be broadcast again.
type Guard struct {
	clock clock.Clock
	mu    sync.Mutex
	until time.Time
}

func New(clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.New()
	}

	return &Guard{clock: clk}
}

// Mark opens the window for d. An open window is never shortened.
func (g *Guard) Mark(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.clock.Now().Add(d)
	if until.After(g.until) {
		g.until = until
	}
}

func (g *Guard) MarkCorrection() {
	g.Mark(CorrectionWindow)
}

func (g *Guard) MarkSwap() {
	g.Mark(SwapWindow)
}

func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.clock.Now().Before(g.until)
}

// Reset closes the window immediately.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.until = time.Time{}
	g.mu.Unlock()
}
