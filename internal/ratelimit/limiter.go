// Package ratelimit bounds per-subject load with token buckets.
//
// Buckets are keyed by (subject, action class) because abuse patterns and
// acceptable burst sizes differ per class: connection attempts are small and
// slow to refill, presence chatter is large and fast.
package ratelimit

import (
	"sync"
	"time"

	"tandem/internal/envcfg"

	"golang.org/x/time/rate"
)

// Class identifies an action class with its own quota.
type Class string

const (
	// ClassConnect covers connection/handshake attempts.
	ClassConnect Class = "connect"
	// ClassMessage covers presence and other chat-style events.
	ClassMessage Class = "message"
	// ClassUpdate covers content-affecting events.
	ClassUpdate Class = "update"
)

// ClassConfig is the token-bucket shape for one action class.
type ClassConfig struct {
	// Rate is the refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity. A fresh bucket starts full so a new
	// subject is not penalized on first use.
	Burst int
}

// Config holds per-class bucket shapes and the GC policy.
type Config struct {
	Classes map[Class]ClassConfig

	// IdleTTL is how long an untouched bucket survives before it is
	// garbage-collected.
	IdleTTL time.Duration
}

// DefaultConfig returns the default quotas.
func DefaultConfig() Config {
	return Config{
		Classes: map[Class]ClassConfig{
			ClassConnect: {Rate: 1, Burst: 10},
			ClassMessage: {Rate: 25, Burst: 50},
			ClassUpdate:  {Rate: 10, Burst: 20},
		},
		IdleTTL: 10 * time.Minute,
	}
}

// LoadConfigFromEnv layers environment overrides over DefaultConfig:
//
//	TANDEM_RATE_CONNECT_PER_SEC / TANDEM_RATE_CONNECT_BURST
//	TANDEM_RATE_MESSAGE_PER_SEC / TANDEM_RATE_MESSAGE_BURST
//	TANDEM_RATE_UPDATE_PER_SEC  / TANDEM_RATE_UPDATE_BURST
//	TANDEM_RATE_IDLE_TTL
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	for class, envSuffix := range map[Class]string{
		ClassConnect: "CONNECT",
		ClassMessage: "MESSAGE",
		ClassUpdate:  "UPDATE",
	} {
		cc := cfg.Classes[class]
		cc.Rate = envcfg.Float("TANDEM_RATE_"+envSuffix+"_PER_SEC", cc.Rate)
		cc.Burst = envcfg.Int("TANDEM_RATE_"+envSuffix+"_BURST", cc.Burst)
		cfg.Classes[class] = cc
	}

	cfg.IdleTTL = envcfg.Duration("TANDEM_RATE_IDLE_TTL", cfg.IdleTTL)

	return cfg
}

// Decision is the outcome of a quota check. A denial is not an error; it
// carries ResetAt so well-behaved clients can back off deterministically.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type key struct {
	subject string
	class   Class
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Registry tracks token buckets per (subject, class).
//
// The registry mutex only guards the bucket map; token accounting is done by
// each bucket's own limiter, so unrelated subjects never contend beyond the
// map lookup.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	buckets   map[key]*bucket
	lastSweep time.Time
}

// NewRegistry constructs a Registry from cfg, filling in defaults for any
// missing class.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Classes == nil {
		cfg.Classes = def.Classes
	} else {
		for class, cc := range def.Classes {
			if _, ok := cfg.Classes[class]; !ok {
				cfg.Classes[class] = cc
			}
		}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Registry{
		cfg:     cfg,
		buckets: make(map[key]*bucket),
	}
}

// Check spends one token from the subject's bucket for the class.
func (r *Registry) Check(subject string, class Class, now time.Time) Decision {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	cc, ok := r.cfg.Classes[class]
	if !ok {
		cc = r.cfg.Classes[ClassMessage]
	}

	r.mu.Lock()
	k := key{subject: subject, class: class}
	b := r.buckets[k]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(cc.Rate), cc.Burst)}
		r.buckets[k] = b
	}
	b.lastSeen = now

	// Lazy GC: at most one inline sweep per idle period.
	if now.Sub(r.lastSweep) >= r.cfg.IdleTTL {
		r.sweepLocked(now)
		r.lastSweep = now
	}
	r.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		// Burst of zero is a misconfiguration; deny with a one-refill wait.
		return Decision{Allowed: false, ResetAt: now.Add(time.Duration(float64(time.Second) / cc.Rate))}
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(delay)}
	}

	remaining := int(b.lim.TokensAt(now))
	resetAt := now
	if remaining == 0 {
		resetAt = now.Add(time.Duration(float64(time.Second) / cc.Rate))
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// Sweep removes buckets idle past the configured TTL. It is also called
// lazily from Check; exposing it lets the app run a periodic sweeper.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.sweepLocked(now)
	r.lastSweep = now
	return n
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for k, b := range r.buckets {
		if now.Sub(b.lastSeen) >= r.cfg.IdleTTL {
			delete(r.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
