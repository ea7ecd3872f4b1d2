// Package ratelimit implements the per-agent token-bucket rate limiter.
// It is deliberately not built on golang.org/x/time/rate: that package
// has no notion of a whitelist, per-agent capacity overrides, or the
// warn-before-deny escalation curve the hub needs, so the bucket math is
// hand-rolled here in scaled integer token units (1000 units = one
// request) to avoid floating point drift across long-running buckets.
// golang.org/x/time/rate is used elsewhere (internal/backup,
// internal/reaper) for simple fixed-interval pacing, which is the shape
// it actually fits.
//
// Buckets and violation records live in sync.Maps keyed per agent, and
// each entry's state is an immutable snapshot swapped by compare-and-swap,
// so two agents never contend and two checks on the same bucket contend
// only on the CAS retry. Only the rarely-mutated whitelist/override
// configuration sits behind a conventional RWMutex.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// tokenUnit is the cost of a single allowed check, expressed in the
// bucket's internal scaled units. Buckets refill in the same units, so
// RefillPerMS of 1000 means "one request worth of tokens per millisecond".
const tokenUnit = 1000

const warnThresholdFraction = 0.20

// violationCurve maps consecutive-violation count to a retry-after in
// milliseconds. Index 0 is unused; consecutive counts saturate at the last
// entry.
var violationCurve = []int64{
	0,
	1000,
	2000,
	5000,
	10000,
	30000,
}

const violationQuietWindow = 60 * time.Second

// TierConfig describes one tier's bucket shape.
type TierConfig struct {
	CapacityUnits int64   // max tokens a bucket can hold, in scaled units
	RefillPerMS   float64 // tokens regenerated per millisecond, in scaled units
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allow         bool
	Warn          bool
	Exempt        bool
	RemainingReal int64 // remaining tokens in real (unscaled) request units
	RetryAfterMS  int64
}

// bucketState is one immutable snapshot of a bucket. Check builds a
// successor snapshot and installs it by CAS; a lost race just recomputes
// from the winner's snapshot.
type bucketState struct {
	tokens     int64 // scaled units
	lastSeenMS int64
}

type bucket struct {
	state atomic.Pointer[bucketState] // nil until first Check initializes it
}

type violationState struct {
	consecutive int
	lastAtMS    int64
}

type violationRecord struct {
	state atomic.Pointer[violationState]
}

// Limiter holds every agent's buckets plus the whitelist and per-agent
// tier overrides.
type Limiter struct {
	buckets    sync.Map // "agent|channel|tier" -> *bucket
	violations sync.Map // agent -> *violationRecord

	cfgMu     sync.RWMutex
	tiers     map[string]TierConfig
	whitelist map[string]bool
	overrides map[string]map[string]TierConfig // agent -> tier -> override

	now func() time.Time
}

// New creates a Limiter with the given default tier configs.
func New(tiers map[string]TierConfig) *Limiter {
	return &Limiter{
		tiers:     tiers,
		whitelist: make(map[string]bool),
		overrides: make(map[string]map[string]TierConfig),
		now:       time.Now,
	}
}

// Whitelist marks an agent as exempt from rate limiting entirely.
func (l *Limiter) Whitelist(agent string, exempt bool) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	if exempt {
		l.whitelist[agent] = true
	} else {
		delete(l.whitelist, agent)
	}
}

// SetOverride installs a per-agent tier override and invalidates that
// agent's existing buckets for every channel under this tier, so the next
// Check reinitializes using the new capacity/refill rate.
func (l *Limiter) SetOverride(agent, tier string, cfg TierConfig) {
	l.cfgMu.Lock()
	if l.overrides[agent] == nil {
		l.overrides[agent] = make(map[string]TierConfig)
	}
	l.overrides[agent][tier] = cfg
	l.cfgMu.Unlock()

	prefix := agent + "|"
	l.buckets.Range(func(key, _ any) bool {
		if hasPrefix(key.(string), prefix) {
			l.buckets.Delete(key)
		}
		return true
	})
}

// Check applies the token bucket algorithm for (agent, channel, tier).
func (l *Limiter) Check(agent, channel, tier string) Decision {
	if l.whitelisted(agent) {
		return Decision{Allow: true, Exempt: true}
	}

	cfg := l.configFor(agent, tier)
	key := agent + "|" + channel + "|" + tier
	nowMS := l.now().UnixMilli()

	entry, _ := l.buckets.LoadOrStore(key, &bucket{})
	bk := entry.(*bucket)

	for {
		cur := bk.state.Load()
		if cur == nil {
			next := &bucketState{tokens: cfg.CapacityUnits - tokenUnit, lastSeenMS: nowMS}
			if bk.state.CompareAndSwap(nil, next) {
				return decide(float64(next.tokens), cfg)
			}
			continue
		}

		elapsedMS := float64(nowMS - cur.lastSeenMS)
		refilled := float64(cur.tokens) + elapsedMS*cfg.RefillPerMS
		if refilled > float64(cfg.CapacityUnits) {
			refilled = float64(cfg.CapacityUnits)
		}

		if refilled >= tokenUnit {
			next := &bucketState{tokens: int64(refilled) - tokenUnit, lastSeenMS: nowMS}
			if bk.state.CompareAndSwap(cur, next) {
				return decide(float64(next.tokens), cfg)
			}
			continue
		}

		next := &bucketState{tokens: int64(refilled), lastSeenMS: nowMS}
		if bk.state.CompareAndSwap(cur, next) {
			retryMS := ceilDiv(tokenUnit-refilled, cfg.RefillPerMS)
			return Decision{RetryAfterMS: roundUpToSecond(retryMS)}
		}
	}
}

func decide(remaining float64, cfg TierConfig) Decision {
	remainingReal := int64(remaining) / tokenUnit
	if remaining < float64(cfg.CapacityUnits)*warnThresholdFraction {
		return Decision{Allow: true, Warn: true, RemainingReal: remainingReal}
	}
	return Decision{Allow: true, RemainingReal: remainingReal}
}

func (l *Limiter) whitelisted(agent string) bool {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.whitelist[agent]
}

func (l *Limiter) configFor(agent, tier string) TierConfig {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()

	if perAgent, ok := l.overrides[agent]; ok {
		if cfg, ok := perAgent[tier]; ok {
			return cfg
		}
	}
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.tiers["normal"]
}

// RecordViolation bumps the consecutive-violation counter for agent (reset
// if outside the quiet window) and returns the retry-after for the new
// count.
func (l *Limiter) RecordViolation(agent string) int64 {
	entry, _ := l.violations.LoadOrStore(agent, &violationRecord{})
	v := entry.(*violationRecord)
	nowMS := l.now().UnixMilli()

	for {
		cur := v.state.Load()
		consecutive := 0
		if cur != nil && nowMS-cur.lastAtMS <= violationQuietWindow.Milliseconds() {
			consecutive = cur.consecutive
		}
		next := &violationState{consecutive: consecutive + 1, lastAtMS: nowMS}
		if v.state.CompareAndSwap(cur, next) {
			idx := next.consecutive
			if idx >= len(violationCurve) {
				idx = len(violationCurve) - 1
			}
			return violationCurve[idx]
		}
	}
}

// RateLimited reports whether agent currently has an active (within the
// quiet window) violation streak.
func (l *Limiter) RateLimited(agent string) bool {
	entry, ok := l.violations.Load(agent)
	if !ok {
		return false
	}
	cur := entry.(*violationRecord).state.Load()
	if cur == nil {
		return false
	}
	return cur.consecutive > 0 &&
		l.now().UnixMilli()-cur.lastAtMS <= violationQuietWindow.Milliseconds()
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func ceilDiv(numerator, rate float64) int64 {
	if rate <= 0 {
		return 0
	}
	q := numerator / rate
	i := int64(q)
	if float64(i) < q {
		i++
	}
	return i
}

func roundUpToSecond(ms int64) int64 {
	const second = 1000
	if ms%second == 0 {
		return ms
	}
	return (ms/second + 1) * second
}
