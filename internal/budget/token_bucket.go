// Package budget implements a token bucket rate limiter for the sentryd
// operator socket.
//
// The operator socket is read-only (status and list-ips queries only), so
// there is no per-command cost model to speak of — every request costs a
// flat 1 token. The bucket exists purely to stop a misbehaving or
// script-happy operator client from hammering the socket and burning CPU
// on JSON encode/decode and detector-snapshot locking.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Allow() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
package budget

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket for rate-limiting operator socket
// requests. Every request costs exactly one token.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	// consumedTotal tracks lifetime tokens consumed (for metrics).
	consumedTotal atomic.Uint64

	// refillCount tracks number of refill cycles (for metrics).
	refillCount atomic.Uint64

	// stop channel for graceful shutdown of the refill goroutine.
	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity must be > 0. refillPeriod must be > 0. Call Close()
// to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop runs in a dedicated goroutine and refills the bucket to full
// capacity every refillPeriod. Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Allow consumes a single token for one operator socket request. Returns
// false when the bucket is empty and the client should be refused with a
// rate-limit error. Thread-safe.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.consumedTotal.Add(1)
	return true
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity // Immutable after construction.
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
