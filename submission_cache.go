package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SubmissionStatus is the outcome of SubmissionCache.CheckAndMark.
type SubmissionStatus int

const (
	// StatusNotFound means the caller now owns the key and must call
	// Complete or Fail.
	StatusNotFound SubmissionStatus = iota
	// StatusCached means an accepted result is still fresh.
	StatusCached
	// StatusInFlight means another caller owns the key.
	StatusInFlight
)

type cachedSubmission[T any] struct {
	result    T
	expiresAt time.Time
}

// SubmissionCache makes payment submissions idempotent. It remembers
// accepted results for a TTL and lets one caller at a time own a key, so a
// client retrying after a timeout gets the original outcome instead of
// driving the payment through the ledger twice.
type SubmissionCache[T any] struct {
	mu       sync.Mutex
	entries  map[string]cachedSubmission[T]
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

func NewSubmissionCache[T any](ttl time.Duration) *SubmissionCache[T] {
	return &SubmissionCache[T]{
		entries:  make(map[string]cachedSubmission[T]),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateSubmissionKey hashes raw proof bytes, such as a decoded
// X-Payment header, into a cache key.
func GenerateSubmissionKey(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// PaymentKey is the key guarding on-chain submission for one payment.
func PaymentKey(paymentID string) string {
	return "payment:" + paymentID
}

// CheckAndMark returns a fresh cached result, or the done channel of the
// caller owning key, or marks key as owned by this caller. The three cases
// are told apart by the returned status.
func (c *SubmissionCache[T]) CheckAndMark(key string) (SubmissionStatus, T, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if result, ok := c.lookupLocked(key); ok {
		return StatusCached, result, nil
	}
	if done, ok := c.inFlight[key]; ok {
		return StatusInFlight, zero, done
	}
	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, zero, done
}

func (c *SubmissionCache[T]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

// WaitForResult blocks until the owner of key finishes or ctx ends. ok is
// false when the owner failed without caching a result.
func (c *SubmissionCache[T]) WaitForResult(ctx context.Context, key string, done chan struct{}) (result T, ok bool, err error) {
	select {
	case <-done:
		result, ok = c.Get(key)
		return result, ok, nil
	case <-ctx.Done():
		return result, false, ctx.Err()
	}
}

func (c *SubmissionCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

// Complete caches result for the TTL and releases waiters.
func (c *SubmissionCache[T]) Complete(key string, result T, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedSubmission[T]{result: result, expiresAt: now.Add(c.ttl)}
	c.release(key, done)
}

// Fail releases waiters without caching anything; they re-read the
// persisted state themselves.
func (c *SubmissionCache[T]) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(key, done)
}

func (c *SubmissionCache[T]) release(key string, done chan struct{}) {
	delete(c.inFlight, key)
	close(done)
}

func (c *SubmissionCache[T]) lookupLocked(key string) (T, bool) {
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return e.result, true
}
