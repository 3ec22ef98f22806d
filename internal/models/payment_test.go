package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPaymentExpired(t *testing.T) {
	expiresAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &Payment{ExpiresAt: &expiresAt}

	assert.False(t, p.Expired(expiresAt.Add(-time.Second)))
	assert.False(t, p.Expired(expiresAt), "payable up to and including its expiry")
	assert.True(t, p.Expired(expiresAt.Add(time.Nanosecond)))

	assert.False(t, (&Payment{}).Expired(expiresAt.Add(time.Hour)), "permit payments never expire")
}
