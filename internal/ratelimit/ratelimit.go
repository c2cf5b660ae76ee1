// Package ratelimit enforces per-key request throughput and concurrency
// admission limits ahead of routing.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool
	LimitHeader string // which limit tripped: "requests_per_minute", "requests_per_hour", "concurrent_requests"
	RetryAfter  time.Duration
	Headers     Headers
}

// Headers mirrors the response header set the spec requires on every API
// response, and additionally on 429 responses.
type Headers struct {
	LimitRequests           int
	RemainingRequests       int
	ResetRequestsSeconds    int
	LimitRequestsHour       int
	RemainingRequestsHour   int
	ResetRequestsHourSeconds int
	RetryAfterSeconds       int // only meaningful when the decision rejected
}

// Limits are the per-key bounds enforced by the Limiter.
type Limits struct {
	RequestsPerMinute  int
	RequestsPerHour    int
	ConcurrentRequests int
}

// concurrentSafetyTimeout bounds how long an admitted slot may be held
// before it is force-released, covering handlers that never signal Release
// (crashed goroutine, lost disconnect notification).
const concurrentSafetyTimeout = 5 * time.Minute

type keyState struct {
	mu          sync.Mutex
	minuteHits  []time.Time
	hourHits    []time.Time
	concurrent  int
	releaseOnce map[uint64]*sync.Once
	nextSlotID  uint64
}

// Limiter tracks sliding-window request counts and in-flight concurrency
// per API key. Counters are anchored on wall-clock seconds: a hit at time t
// counts against any window whose start is within the window duration of t.
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*keyState
	clock func() time.Time
}

// New creates an empty, in-process Limiter.
func New() *Limiter {
	return &Limiter{
		keys:  make(map[string]*keyState),
		clock: time.Now,
	}
}

func (l *Limiter) state(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.keys[key]
	if !ok {
		s = &keyState{releaseOnce: make(map[uint64]*sync.Once)}
		l.keys[key] = s
	}
	return s
}

// SlotHandle releases a previously admitted concurrent slot. Release is
// idempotent: calling it more than once, or letting the safety timer fire
// after a manual call, has no additional effect.
type SlotHandle struct {
	limiter *Limiter
	key     string
	id      uint64
	timer   *time.Timer
}

// Release returns the concurrency slot. Safe to call multiple times and
// from multiple goroutines (completion, client disconnect, safety timer).
func (h *SlotHandle) Release() {
	if h == nil {
		return
	}
	s := h.limiter.state(h.key)
	s.mu.Lock()
	once, ok := s.releaseOnce[h.id]
	s.mu.Unlock()
	if !ok {
		return
	}
	once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		s.mu.Lock()
		s.concurrent--
		if s.concurrent < 0 {
			s.concurrent = 0
		}
		delete(s.releaseOnce, h.id)
		s.mu.Unlock()
	})
}

// Admit checks the sliding-window and concurrency limits for key and, if
// all pass, reserves a concurrency slot and returns a handle the caller
// must Release exactly once (redundant Release calls are safe). When a
// limit is exceeded, Decision.Allowed is false and Decision.LimitHeader
// names the most specific limit that tripped -- the caller must not
// proceed to routing.
func (l *Limiter) Admit(key string, limits Limits) (Decision, *SlotHandle) {
	s := l.state(key)
	now := l.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.minuteHits = prune(s.minuteHits, now.Add(-time.Minute))
	s.hourHits = prune(s.hourHits, now.Add(-time.Hour))

	// Most specific limit wins: concurrency first (the tightest and most
	// immediate constraint), then per-minute, then per-hour.
	if limits.ConcurrentRequests > 0 && s.concurrent >= limits.ConcurrentRequests {
		return Decision{
			Allowed:     false,
			LimitHeader: "concurrent_requests",
			RetryAfter:  time.Second,
			Headers:     s.headersLocked(limits, now),
		}, nil
	}

	if limits.RequestsPerMinute > 0 && len(s.minuteHits) >= limits.RequestsPerMinute {
		retryAfter := time.Minute
		if len(s.minuteHits) > 0 {
			retryAfter = time.Until(s.minuteHits[0].Add(time.Minute))
		}
		return Decision{
			Allowed:     false,
			LimitHeader: "requests_per_minute",
			RetryAfter:  retryAfter,
			Headers:     s.headersLocked(limits, now),
		}, nil
	}

	if limits.RequestsPerHour > 0 && len(s.hourHits) >= limits.RequestsPerHour {
		retryAfter := time.Hour
		if len(s.hourHits) > 0 {
			retryAfter = time.Until(s.hourHits[0].Add(time.Hour))
		}
		return Decision{
			Allowed:     false,
			LimitHeader: "requests_per_hour",
			RetryAfter:  retryAfter,
			Headers:     s.headersLocked(limits, now),
		}, nil
	}

	s.minuteHits = append(s.minuteHits, now)
	s.hourHits = append(s.hourHits, now)
	s.concurrent++

	s.nextSlotID++
	id := s.nextSlotID
	once := &sync.Once{}
	s.releaseOnce[id] = once

	handle := &SlotHandle{limiter: l, key: key, id: id}
	handle.timer = time.AfterFunc(concurrentSafetyTimeout, handle.Release)

	return Decision{Allowed: true, Headers: s.headersLocked(limits, now)}, handle
}

func (s *keyState) headersLocked(limits Limits, now time.Time) Headers {
	remainingMinute := limits.RequestsPerMinute - len(s.minuteHits)
	if remainingMinute < 0 {
		remainingMinute = 0
	}
	remainingHour := limits.RequestsPerHour - len(s.hourHits)
	if remainingHour < 0 {
		remainingHour = 0
	}

	resetMinute := 60
	if len(s.minuteHits) > 0 {
		resetMinute = int(time.Until(s.minuteHits[0].Add(time.Minute)).Seconds())
		if resetMinute < 0 {
			resetMinute = 0
		}
	}
	resetHour := 3600
	if len(s.hourHits) > 0 {
		resetHour = int(time.Until(s.hourHits[0].Add(time.Hour)).Seconds())
		if resetHour < 0 {
			resetHour = 0
		}
	}

	return Headers{
		LimitRequests:            limits.RequestsPerMinute,
		RemainingRequests:        remainingMinute,
		ResetRequestsSeconds:     resetMinute,
		LimitRequestsHour:        limits.RequestsPerHour,
		RemainingRequestsHour:    remainingHour,
		ResetRequestsHourSeconds: resetHour,
	}
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	out := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// ApplyHeaders writes the spec's X-RateLimit-* header set via set, and
// Retry-After when the decision rejected the request.
func ApplyHeaders(set func(name, value string), d Decision) {
	set("X-RateLimit-Limit-Requests", fmt.Sprintf("%d", d.Headers.LimitRequests))
	set("X-RateLimit-Remaining-Requests", fmt.Sprintf("%d", d.Headers.RemainingRequests))
	set("X-RateLimit-Reset-Requests", fmt.Sprintf("%d", d.Headers.ResetRequestsSeconds))
	set("X-RateLimit-Limit-Requests-Hour", fmt.Sprintf("%d", d.Headers.LimitRequestsHour))
	set("X-RateLimit-Remaining-Requests-Hour", fmt.Sprintf("%d", d.Headers.RemainingRequestsHour))
	set("X-RateLimit-Reset-Requests-Hour", fmt.Sprintf("%d", d.Headers.ResetRequestsHourSeconds))
	if !d.Allowed {
		set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
	}
}
