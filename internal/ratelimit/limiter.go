// Package ratelimit provides per-source-IP token bucket rate limiting in
// front of envelope decryption, so a flood of garbage UDP datagrams from one
// address can't burn CPU on AEAD opens for the whole mesh.
//
// Unlike a general-purpose listener, the daemon's core is a single-threaded
// event loop (spec.md §5): Allow is only ever called from that loop, so the
// limiter carries no internal lock.
package ratelimit

import (
	"container/list"
	"time"
)

const (
	// DefaultRate is the default allowed datagrams per second per source IP.
	DefaultRate = 10
	// DefaultBurst is the default token bucket depth per source IP.
	DefaultBurst = 20
	// DefaultMaxIPs bounds memory under a spoofed-source-IP flood; the
	// least-recently-used entry is evicted once this many IPs are tracked.
	DefaultMaxIPs = 4096
)

type bucket struct {
	tokens   float64
	lastFill time.Time
}

type entry struct {
	ip  string
	bkt *bucket
}

// Limiter rate-limits datagrams on a per-source-IP basis using token
// buckets, with LRU eviction to bound memory use. Not safe for concurrent
// use — call only from the event loop goroutine.
type Limiter struct {
	rate    float64
	burst   float64
	maxIPs  int
	buckets map[string]*list.Element
	lru     *list.List
	now     func() time.Time
}

// New creates a Limiter with the given rate (tokens/sec), burst depth, and
// maximum tracked source IPs. Non-positive values fall back to the package
// defaults.
func New(rate, burst float64, maxIPs int) *Limiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxIPs <= 0 {
		maxIPs = DefaultMaxIPs
	}
	return &Limiter{
		rate:    rate,
		burst:   burst,
		maxIPs:  maxIPs,
		buckets: make(map[string]*list.Element, maxIPs),
		lru:     list.New(),
		now:     time.Now,
	}
}

// NewDefault creates a Limiter using DefaultRate, DefaultBurst, DefaultMaxIPs.
func NewDefault() *Limiter {
	return New(DefaultRate, DefaultBurst, DefaultMaxIPs)
}

// Allow consumes one token from ip's bucket and reports whether the
// datagram should be processed.
func (l *Limiter) Allow(ip string) bool {
	now := l.now()

	if elem, exists := l.buckets[ip]; exists {
		bkt := elem.Value.(*entry).bkt
		elapsed := now.Sub(bkt.lastFill).Seconds()
		bkt.tokens += elapsed * l.rate
		if bkt.tokens > l.burst {
			bkt.tokens = l.burst
		}
		bkt.lastFill = now
		l.lru.MoveToFront(elem)

		if bkt.tokens < 1 {
			return false
		}
		bkt.tokens--
		return true
	}

	if l.lru.Len() >= l.maxIPs {
		if oldest := l.lru.Back(); oldest != nil {
			l.lru.Remove(oldest)
			delete(l.buckets, oldest.Value.(*entry).ip)
		}
	}

	bkt := &bucket{tokens: l.burst - 1, lastFill: now}
	elem := l.lru.PushFront(&entry{ip: ip, bkt: bkt})
	l.buckets[ip] = elem
	return true
}

// Reset clears all tracked state.
func (l *Limiter) Reset() {
	l.buckets = make(map[string]*list.Element, l.maxIPs)
	l.lru.Init()
}

// Len reports how many source IPs currently have a bucket.
func (l *Limiter) Len() int {
	return l.lru.Len()
}
