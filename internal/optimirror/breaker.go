package optimirror

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// BreakerStats is the admin view of one breaker key.
type BreakerStats struct {
	Key             string `json:"key"`
	Failures        int    `json:"failures"`
	State           string `json:"state"`
	IsOpen          bool   `json:"isOpen"`
	LastFailureTime string `json:"lastFailureTime,omitempty"`
}

type breakerEntry struct {
	failureCount int
	lastFailure  time.Time
	state        BreakerState
}

// BreakerRegistry tracks per-key consecutive failures and gates dispatch to
// chronically failing targets. It is owned by a Coordinator instance rather
// than being a process-wide singleton, so independent instances and tests
// never share counters.
type BreakerRegistry struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	now       func() time.Time
	breakers  map[string]*breakerEntry
}

func NewBreakerRegistry(threshold int, timeout time.Duration) *BreakerRegistry {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	return &BreakerRegistry{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		breakers:  map[string]*breakerEntry{},
	}
}

// IsOpen reports whether dispatch for key is currently blocked. An open
// breaker whose timeout has elapsed transitions to half-open and returns
// false, permitting exactly one trial attempt; the trial's outcome closes or
// reopens the breaker via RecordSuccess/RecordFailure.
func (r *BreakerRegistry) IsOpen(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.breakers[key]
	if !ok {
		return false
	}
	switch entry.state {
	case BreakerOpen:
		if r.now().Sub(entry.lastFailure) > r.timeout {
			entry.state = BreakerHalfOpen
			return false
		}
		return true
	case BreakerHalfOpen:
		// The trial attempt is already in flight; block everyone else until
		// its outcome closes or reopens the breaker.
		return true
	default:
		return false
	}
}

func (r *BreakerRegistry) RecordSuccess(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.breakers[key]
	if !ok {
		return
	}
	entry.failureCount = 0
	entry.state = BreakerClosed
}

func (r *BreakerRegistry) RecordFailure(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.breakers[key]
	if !ok {
		entry = &breakerEntry{state: BreakerClosed}
		r.breakers[key] = entry
	}
	entry.failureCount++
	entry.lastFailure = r.now()
	if entry.state == BreakerHalfOpen || entry.failureCount >= r.threshold {
		entry.state = BreakerOpen
	}
}

func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]BreakerStats, 0, len(r.breakers))
	for key, entry := range r.breakers {
		stats := BreakerStats{
			Key:      key,
			Failures: entry.failureCount,
			State:    string(entry.state),
			IsOpen: entry.state == BreakerHalfOpen ||
				(entry.state == BreakerOpen && now.Sub(entry.lastFailure) <= r.timeout),
		}
		if !entry.lastFailure.IsZero() {
			stats.LastFailureTime = entry.lastFailure.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *BreakerRegistry) Reset(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = map[string]*breakerEntry{}
}

// SetLimits adjusts threshold and timeout at runtime (config hot reload).
// Existing counters are kept; the new limits apply from the next check.
func (r *BreakerRegistry) SetLimits(threshold int, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if threshold > 0 {
		r.threshold = threshold
	}
	if timeout > 0 {
		r.timeout = timeout
	}
}

type breakerSnapshot struct {
	Key             string `json:"key"`
	FailureCount    int    `json:"failureCount"`
	LastFailureTime string `json:"lastFailureTime,omitempty"`
	State           string `json:"state"`
}

func (r *BreakerRegistry) snapshot() []breakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]breakerSnapshot, 0, len(r.breakers))
	for key, entry := range r.breakers {
		snap := breakerSnapshot{
			Key:          key,
			FailureCount: entry.failureCount,
			State:        string(entry.state),
		}
		if !entry.lastFailure.IsZero() {
			snap.LastFailureTime = entry.lastFailure.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *BreakerRegistry) restore(snaps []breakerSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = map[string]*breakerEntry{}
	for _, snap := range snaps {
		key := strings.TrimSpace(snap.Key)
		if key == "" {
			continue
		}
		entry := &breakerEntry{failureCount: snap.FailureCount, state: BreakerState(snap.State)}
		switch entry.state {
		case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		default:
			entry.state = BreakerClosed
		}
		if snap.LastFailureTime != "" {
			if ts, err := time.Parse(time.RFC3339Nano, snap.LastFailureTime); err == nil {
				entry.lastFailure = ts
			}
		}
		r.breakers[key] = entry
	}
}
