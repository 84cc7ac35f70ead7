// Package limiter implements the gateway's rate limiting engine: fixed
// window, sliding window (log based) and token bucket strategies over
// per-(rule, client) state.
package limiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ethpandaops/gatekeepoor/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// shardCount spreads (rule, client) entries across independent locks so
// unrelated clients never contend with each other.
const shardCount = 256

// defaultSweepInterval is how often stale entries are reaped.
const defaultSweepInterval = time.Minute

// entry holds the limiter state for one (rule, client) pair. Only the
// fields for the rule's strategy are used. The entry mutex serializes
// read-modify-write so concurrent requests against the same pair can
// never both act on a stale count.
type entry struct {
	mu sync.Mutex

	// Fixed window.
	count       int
	windowStart time.Time

	// Sliding window log.
	timestamps []time.Time

	// Token bucket.
	tokens     float64
	lastRefill time.Time
	primed     bool

	// Sweep bookkeeping.
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Engine decides admit/reject per (rule, client) pair.
type Engine struct {
	log    logrus.FieldLogger
	shards [shardCount]shard

	sweepInterval time.Duration
	cancel        context.CancelFunc

	// Overridable in tests.
	now func() time.Time
}

// NewEngine creates a rate limiter engine.
func NewEngine(log logrus.FieldLogger) *Engine {
	e := &Engine{
		log:           log.WithField("component", "limiter"),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}

	for i := range e.shards {
		e.shards[i].entries = make(map[string]*entry)
	}

	return e
}

// Start launches the background sweep that bounds memory by dropping
// entries idle for longer than twice their rule's window. Correctness
// never depends on the sweep.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go e.sweepLoop(ctx)

	return nil
}

// Stop halts the background sweep.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	return nil
}

// Check runs an admission decision for the given rule and client
// identity, updating the pair's state.
func (e *Engine) Check(rule *registry.RateLimitRule, client string) Result {
	ent := e.getEntry(rule.ID, client)

	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := e.now()
	ent.expiresAt = now.Add(2 * rule.Window)

	switch rule.Strategy {
	case registry.StrategyFixedWindow:
		return e.checkFixedWindow(ent, rule, now)
	case registry.StrategySlidingWindow:
		return e.checkSlidingWindow(ent, rule, now)
	case registry.StrategyTokenBucket:
		return e.checkTokenBucket(ent, rule, now)
	default:
		// Unknown strategies cannot be registered; fail open if one
		// slips through.
		e.log.WithField("strategy", rule.Strategy).Warn("Unknown rate limit strategy, admitting")

		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetTime: now.Add(rule.Window)}
	}
}

// Peek reports the current state for a (rule, client) pair without
// consuming quota or mutating anything.
func (e *Engine) Peek(rule *registry.RateLimitRule, client string) Result {
	ent, ok := e.lookupEntry(rule.ID, client)
	now := e.now()

	if !ok {
		limit := rule.Limit
		if rule.Strategy == registry.StrategyTokenBucket {
			limit = rule.BurstSize()
		}

		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetTime: now.Add(rule.Window)}
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	switch rule.Strategy {
	case registry.StrategyFixedWindow:
		remaining := rule.Limit
		reset := now.Add(rule.Window)

		if !ent.windowStart.IsZero() && now.Sub(ent.windowStart) < rule.Window {
			remaining = rule.Limit - ent.count
			reset = ent.windowStart.Add(rule.Window)
		}

		if remaining < 0 {
			remaining = 0
		}

		return Result{Allowed: remaining > 0, Limit: rule.Limit, Remaining: remaining, ResetTime: reset}

	case registry.StrategySlidingWindow:
		cutoff := now.Add(-rule.Window)
		live := 0
		reset := now.Add(rule.Window)

		for _, ts := range ent.timestamps {
			if ts.After(cutoff) {
				if live == 0 {
					reset = ts.Add(rule.Window)
				}
				live++
			}
		}

		remaining := rule.Limit - live
		if remaining < 0 {
			remaining = 0
		}

		return Result{Allowed: remaining > 0, Limit: rule.Limit, Remaining: remaining, ResetTime: reset}

	case registry.StrategyTokenBucket:
		burst := rule.BurstSize()
		tokens := float64(burst)

		if ent.primed {
			elapsed := now.Sub(ent.lastRefill).Seconds()
			tokens = math.Min(float64(burst), ent.tokens+elapsed*rule.RefillRate)
		}

		return Result{
			Allowed:   tokens >= 1,
			Limit:     burst,
			Remaining: int(tokens),
			ResetTime: now.Add(refillDuration(float64(burst)-tokens, rule.RefillRate)),
		}

	default:
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetTime: now.Add(rule.Window)}
	}
}

// Reset clears the state for a (rule, client) pair.
func (e *Engine) Reset(ruleID, client string) {
	key := stateKey(ruleID, client)
	s := &e.shards[fnv32a(key)%shardCount]

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// EntryCount returns the number of live (rule, client) state entries.
func (e *Engine) EntryCount() int {
	total := 0

	for i := range e.shards {
		s := &e.shards[i]

		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}

	return total
}

// checkFixedWindow partitions time into contiguous windows anchored at
// the first request. The counter increments on every admitted request
// and rolls over once the window expires.
func (e *Engine) checkFixedWindow(ent *entry, rule *registry.RateLimitRule, now time.Time) Result {
	if ent.windowStart.IsZero() || now.Sub(ent.windowStart) >= rule.Window {
		ent.count = 0
		ent.windowStart = now
	}

	reset := ent.windowStart.Add(rule.Window)

	if ent.count >= rule.Limit {
		return Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: reset.Sub(now),
		}
	}

	ent.count++

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - ent.count,
		ResetTime: reset,
	}
}

// checkSlidingWindow keeps a log of request timestamps inside the
// trailing window. Aged-out timestamps are pruned on every check.
func (e *Engine) checkSlidingWindow(ent *entry, rule *registry.RateLimitRule, now time.Time) Result {
	cutoff := now.Add(-rule.Window)

	live := ent.timestamps[:0]
	for _, ts := range ent.timestamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	ent.timestamps = live

	if len(ent.timestamps) >= rule.Limit {
		oldest := ent.timestamps[0]
		reset := oldest.Add(rule.Window)

		return Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: reset.Sub(now),
		}
	}

	ent.timestamps = append(ent.timestamps, now)

	reset := ent.timestamps[0].Add(rule.Window)

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(ent.timestamps),
		ResetTime: reset,
	}
}

// checkTokenBucket refills fractional tokens continuously and consumes
// one per admitted request. The bucket starts full at burst capacity.
func (e *Engine) checkTokenBucket(ent *entry, rule *registry.RateLimitRule, now time.Time) Result {
	burst := rule.BurstSize()

	if !ent.primed {
		ent.tokens = float64(burst)
		ent.lastRefill = now
		ent.primed = true
	}

	elapsed := now.Sub(ent.lastRefill).Seconds()
	ent.tokens = math.Min(float64(burst), ent.tokens+elapsed*rule.RefillRate)
	ent.lastRefill = now

	if ent.tokens < 1 {
		retry := refillDuration(1-ent.tokens, rule.RefillRate)

		return Result{
			Allowed:    false,
			Limit:      burst,
			Remaining:  0,
			ResetTime:  now.Add(retry),
			RetryAfter: retry,
		}
	}

	ent.tokens--

	return Result{
		Allowed:   true,
		Limit:     burst,
		Remaining: int(ent.tokens),
		ResetTime: now.Add(refillDuration(float64(burst)-ent.tokens, rule.RefillRate)),
	}
}

// refillDuration converts a token deficit into the wait for it to refill.
func refillDuration(deficit, refillRate float64) time.Duration {
	if deficit <= 0 {
		return 0
	}

	return time.Duration(deficit / refillRate * float64(time.Second))
}

// getEntry returns the state entry for the composite key, creating it
// lazily on first use.
func (e *Engine) getEntry(ruleID, client string) *entry {
	key := stateKey(ruleID, client)
	s := &e.shards[fnv32a(key)%shardCount]

	// Fast path: entry already exists.
	s.mu.RLock()
	ent, ok := s.entries[key]
	s.mu.RUnlock()

	if ok {
		return ent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if ent, ok = s.entries[key]; ok {
		return ent
	}

	ent = &entry{}
	s.entries[key] = ent

	return ent
}

// lookupEntry fetches an entry without creating it.
func (e *Engine) lookupEntry(ruleID, client string) (*entry, bool) {
	key := stateKey(ruleID, client)
	s := &e.shards[fnv32a(key)%shardCount]

	s.mu.RLock()
	ent, ok := s.entries[key]
	s.mu.RUnlock()

	return ent, ok
}

// sweepLoop periodically reaps idle entries.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(e.now())
		}
	}
}

// sweep drops entries whose idle deadline has passed.
func (e *Engine) sweep(now time.Time) {
	removed := 0

	for i := range e.shards {
		s := &e.shards[i]

		s.mu.Lock()

		for key, ent := range s.entries {
			ent.mu.Lock()
			stale := !ent.expiresAt.IsZero() && now.After(ent.expiresAt)
			ent.mu.Unlock()

			if stale {
				delete(s.entries, key)
				removed++
			}
		}

		s.mu.Unlock()
	}

	if removed > 0 {
		e.log.WithField("removed", removed).Debug("Swept stale limiter entries")
	}
}

// stateKey builds the composite (rule, client) key.
func stateKey(ruleID, client string) string {
	return ruleID + "\x00" + client
}

// fnv32a hashes a key for shard selection without allocating.
func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)

	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}

	return h
}
