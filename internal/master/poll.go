package master

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval is the minimum time between two window-size queries.
const DefaultPollInterval = 5 * time.Second

// pollTimer decides when the window-size query may be injected into the
// output stream. A query is wanted once armed and allowed at most once per
// interval.
type pollTimer struct {
	limiter  *rate.Limiter
	interval time.Duration
	pending  bool
	now      func() time.Time
}

func newPollTimer(interval time.Duration, now func() time.Time) *pollTimer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if now == nil {
		now = time.Now
	}
	return &pollTimer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		now:      now,
	}
}

// arm asks for a query at the next opportunity.
func (p *pollTimer) arm() { p.pending = true }

// due reports whether an armed query may be sent now.
func (p *pollTimer) due() bool {
	return p.pending && p.limiter.TokensAt(p.now()) >= 1
}

// take consumes the query if it is due.
func (p *pollTimer) take() bool {
	if !p.pending || !p.limiter.AllowN(p.now(), 1) {
		return false
	}
	p.pending = false
	return true
}

// timeout returns how long the event loop may wait before the armed query
// becomes due, in milliseconds for unix.Poll. It is -1 when nothing is
// armed.
func (p *pollTimer) timeout() int {
	if !p.pending {
		return -1
	}
	tokens := p.limiter.TokensAt(p.now())
	if tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - tokens) * float64(p.interval))
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}
