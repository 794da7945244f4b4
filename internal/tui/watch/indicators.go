package watch

import (
	"strings"
	"time"
)

// Ticker advances on every completed sweep. A frozen ticker means the
// coordinator stopped sweeping.
type Ticker struct {
	frames    []string
	index     int
	lastSweep time.Time
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"◴", "◷", "◶", "◵"}}
}

func (t *Ticker) OnSweep(at time.Time) {
	t.index = (t.index + 1) % len(t.frames)
	t.lastSweep = at
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

func (t Ticker) LastSweep() time.Time {
	return t.lastSweep
}

// Spinner shows event activity with a decaying dot pattern.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func NewSpinner() Spinner {
	return Spinner{}
}

func (s *Spinner) OnEvent(at time.Time) {
	s.dots = 5
	s.lastEvent = at
}

// Decay drops one dot per two seconds of silence.
func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	s.dots = max(0, 5-int(now.Sub(s.lastEvent)/(2*time.Second)))
}

func (s Spinner) Render(theme Theme) string {
	var result strings.Builder
	for i := range 5 {
		if i < s.dots {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
