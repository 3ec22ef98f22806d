package x402

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSubmissionKey(t *testing.T) {
	header1 := []byte(`{"paymentId":"p1","payer":"0xabc","txHash":"0x01","timestamp":1}`)
	header2 := []byte(`{"paymentId":"p1","payer":"0xabc","txHash":"0x02","timestamp":1}`)

	key1 := GenerateSubmissionKey(header1)
	key2 := GenerateSubmissionKey(header2)
	key3 := GenerateSubmissionKey(header1)

	assert.Equal(t, key1, key3, "same proof should produce same key")
	assert.NotEqual(t, key1, key2, "different proofs should produce different keys")
	assert.Len(t, key1, 64)
}

func TestSubmissionCache_CheckAndMark_Cached(t *testing.T) {
	cache := NewSubmissionCache[*VerifyResponse](5 * time.Minute)
	key := "test-key"
	response := &VerifyResponse{Valid: true, PaymentID: "p1", TxHash: "0x123"}

	status, result, done := cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status)
	assert.Nil(t, result)

	cache.Complete(key, response, done)

	status, result, _ = cache.CheckAndMark(key)
	assert.Equal(t, StatusCached, status)
	require.NotNil(t, result)
	assert.Equal(t, "0x123", result.TxHash)
}

func TestSubmissionCache_CheckAndMark_InFlight(t *testing.T) {
	cache := NewSubmissionCache[*VerifyResponse](5 * time.Minute)
	key := PaymentKey("p1")

	status1, _, done1 := cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status1)
	assert.True(t, cache.InFlight(key))

	status2, _, done2 := cache.CheckAndMark(key)
	assert.Equal(t, StatusInFlight, status2)
	assert.Equal(t, done1, done2, "in-flight requests share the done channel")

	cache.Fail(key, done1)
	assert.False(t, cache.InFlight(key))
}

func TestSubmissionCache_Expiry(t *testing.T) {
	cache := NewSubmissionCache[string](time.Minute)
	now := time.Unix(1_750_000_000, 0)
	cache.now = func() time.Time { return now }
	key := "expiry-test"

	status, _, done := cache.CheckAndMark(key)
	require.Equal(t, StatusNotFound, status)
	cache.Complete(key, "0x999", done)

	now = now.Add(time.Minute)
	status, result, _ := cache.CheckAndMark(key)
	assert.Equal(t, StatusCached, status, "fresh through the end of the TTL")
	assert.Equal(t, "0x999", result)

	now = now.Add(time.Second)
	_, ok := cache.Get(key)
	assert.False(t, ok)
	status, _, done = cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status, "expired entries are treated as absent")
	cache.Fail(key, done)
}

func TestSubmissionCache_Fail(t *testing.T) {
	cache := NewSubmissionCache[string](5 * time.Minute)
	key := "fail-test"

	status, _, done := cache.CheckAndMark(key)
	require.Equal(t, StatusNotFound, status)
	cache.Fail(key, done)

	status, _, done2 := cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status, "a failed submission may be retried")
	cache.Fail(key, done2)
}

func TestSubmissionCache_WaitForResult(t *testing.T) {
	t.Run("receives completed result", func(t *testing.T) {
		cache := NewSubmissionCache[string](5 * time.Minute)
		key := "wait-test"
		_, _, done := cache.CheckAndMark(key)

		var wg sync.WaitGroup
		var got string
		var ok bool
		var err error
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err = cache.WaitForResult(context.Background(), key, done)
		}()

		time.Sleep(10 * time.Millisecond)
		cache.Complete(key, "0xwaited", done)
		wg.Wait()

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "0xwaited", got)
	})

	t.Run("observes failure as no result", func(t *testing.T) {
		cache := NewSubmissionCache[string](5 * time.Minute)
		key := "wait-fail"
		_, _, done := cache.CheckAndMark(key)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cache.Fail(key, done)
		}()

		_, ok, err := cache.WaitForResult(context.Background(), key, done)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cache := NewSubmissionCache[string](5 * time.Minute)
		key := "cancel-test"
		_, _, done := cache.CheckAndMark(key)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err := cache.WaitForResult(ctx, key, done)
		assert.ErrorIs(t, err, context.Canceled)
		cache.Fail(key, done)
	})
}

func TestSubmissionCache_AtomicCheckAndMark(t *testing.T) {
	cache := NewSubmissionCache[string](5 * time.Minute)
	key := "atomic-test"

	var wg sync.WaitGroup
	var mu sync.Mutex
	notFound, inFlight := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, _ := cache.CheckAndMark(key)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case StatusNotFound:
				notFound++
			case StatusInFlight:
				inFlight++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, notFound, "exactly one caller owns the slot")
	assert.Equal(t, 9, inFlight)
}
