package service

import (
	"testing"
	"time"

	"github.com/fasket/outbox/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAlertLimiter_OncePerInterval(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	l := NewAlertLimiter(time.Hour, clock)

	assert.True(t, l.Allow(AlertTypeMisconfigured))
	assert.False(t, l.Allow(AlertTypeMisconfigured))

	clock.Advance(59 * time.Minute)
	assert.False(t, l.Allow(AlertTypeMisconfigured))

	clock.Advance(time.Minute)
	assert.True(t, l.Allow(AlertTypeMisconfigured))
}

func TestAlertLimiter_TypesAreIndependent(t *testing.T) {
	l := NewAlertLimiter(time.Hour, testutil.NewFakeClock(t0))

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
}

func TestAlertLimiter_ResetReleasesSlot(t *testing.T) {
	l := NewAlertLimiter(time.Hour, testutil.NewFakeClock(t0))

	assert.True(t, l.Allow(AlertTypeMisconfigured))
	l.Reset(AlertTypeMisconfigured)
	assert.True(t, l.Allow(AlertTypeMisconfigured))
	assert.False(t, l.Allow(AlertTypeMisconfigured))
}
