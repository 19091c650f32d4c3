// Copyright 2025 James Ross
package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffIsDeterministicWithInjectedRand(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 5 * time.Minute, Rand: func() float64 { return 1 }}

	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 2*time.Second, b.Next(2))
	assert.Equal(t, 4*time.Second, b.Next(3))
	assert.Equal(t, 8*time.Second, b.Next(4))
}

func TestBackoffCapsAtCeiling(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 5 * time.Minute, Rand: func() float64 { return 1 }}

	assert.Equal(t, 5*time.Minute, b.Next(10))
	assert.Equal(t, 5*time.Minute, b.Next(63), "doubling overflow clamps to the cap")
}

func TestBackoffFullJitterDrawsFromZero(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 5 * time.Minute, Rand: func() float64 { return 0 }}
	assert.Equal(t, time.Duration(0), b.Next(5))
}

func TestBackoffZeroValueUsesDefaults(t *testing.T) {
	b := Backoff{Rand: func() float64 { return 1 }}
	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 5*time.Minute, b.Next(30))
}
