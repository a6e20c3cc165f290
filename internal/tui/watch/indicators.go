package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames once per tick. A frozen ticker means the UI loop
// has stalled.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Pulse lights up on pool events and fades over ten seconds.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

const pulseDots = 5

func (p *Pulse) OnEvent(at time.Time) {
	p.dots = pulseDots
	p.lastEvent = at
}

// Decay dims the pulse according to the time since the last event.
func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	elapsed := now.Sub(p.lastEvent)
	p.dots = pulseDots - int(elapsed/(2*time.Second))
	if p.dots < 0 {
		p.dots = 0
	}
}

func (p Pulse) Dots() int { return p.dots }

func (p Pulse) Render(theme Theme) string {
	var result strings.Builder
	for i := range pulseDots {
		if i < p.dots {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
