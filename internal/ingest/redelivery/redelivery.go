// Package redelivery bounds how often a transport redelivers a failing record.
// Once a record runs out of attempts or grows too old it is parked on the
// dead-letter sink and the transport moves past it.
package redelivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dedupd/internal/deadletter"
	"dedupd/internal/domain"
)

// Policy limits redelivery. A zero field disables that limit.
type Policy struct {
	MaxAttempts  int
	MaxRecordAge time.Duration
}

func (p Policy) Enabled() bool {
	return p.MaxAttempts > 0 || p.MaxRecordAge > 0
}

// Exhausted reports whether a record seen attempts times, age old, is done.
func (p Policy) Exhausted(attempts int, age time.Duration) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxRecordAge > 0 && age >= p.MaxRecordAge
}

type entry struct {
	attempts  int
	firstSeen time.Time
	parked    bool
}

// Guard tracks failed deliveries per record key. A nil *Guard never parks.
type Guard struct {
	policy Policy
	pub    deadletter.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]*entry
}

// NewGuard returns nil when p sets no limit. pub may be nil, in which case
// exhausted records are dropped with an error log.
func NewGuard(p Policy, pub deadletter.Publisher, logger *slog.Logger) *Guard {
	if !p.Enabled() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{policy: p, pub: pub, logger: logger, now: time.Now, seen: map[string]*entry{}}
}

// Failed records one failed delivery of env under key. produced is the
// record's broker timestamp; when zero the first failure stands in for it.
// It returns true once the record is parked and the transport may ack or
// commit past it.
func (g *Guard) Failed(ctx context.Context, key string, env domain.Envelope, produced time.Time) bool {
	if g == nil {
		return false
	}
	now := g.now()
	g.mu.Lock()
	e, ok := g.seen[key]
	if !ok {
		e = &entry{firstSeen: now}
		g.seen[key] = e
	}
	if e.parked {
		g.mu.Unlock()
		return true
	}
	e.attempts++
	attempts := e.attempts
	if produced.IsZero() {
		produced = e.firstSeen
	}
	g.mu.Unlock()

	age := now.Sub(produced)
	log := g.logger.With("sequence_token", env.SequenceToken, "event_id", env.EventID, "attempts", attempts, "age", age)
	if !g.policy.Exhausted(attempts, age) {
		return false
	}
	cause := fmt.Errorf("redelivery exhausted after %d attempts, record age %s", attempts, age.Round(time.Millisecond))
	if g.pub == nil {
		log.Error("FAILED: dropping record, redelivery exhausted and no dead-letter sink", "err", cause)
	} else if err := g.pub.Publish(ctx, deadletter.NewMessage(env, "", deadletter.ReasonExhausted, cause, now)); err != nil {
		log.Error("dead-letter publish failed, record stays in redelivery", "err", err)
		return false
	} else {
		log.Warn("record dead-lettered", "reason", deadletter.ReasonExhausted)
	}

	g.mu.Lock()
	e.parked = true
	g.mu.Unlock()
	return true
}

// Done forgets keys the transport has acked or committed.
func (g *Guard) Done(keys ...string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		delete(g.seen, k)
	}
}

// Attempts returns the failed deliveries counted for key.
func (g *Guard) Attempts(key string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.seen[key]; ok {
		return e.attempts
	}
	return 0
}

func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
