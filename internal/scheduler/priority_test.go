package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromSPDY(t *testing.T) {
	assert.Equal(t, 1.0, FromSPDY(0))
	assert.Equal(t, 0.0, FromSPDY(7))
	assert.Equal(t, 0.0, FromSPDY(200))
	assert.InDelta(t, 4.0/7, FromSPDY(3), 1e-9)

	// Neighbouring classes are within the default window, two apart are not.
	assert.LessOrEqual(t, FromSPDY(0)-FromSPDY(1), DefaultWindow)
	assert.Greater(t, FromSPDY(0)-FromSPDY(2), DefaultWindow)
}

func TestFromWeight(t *testing.T) {
	assert.Equal(t, 1.0, FromWeight(255))
	assert.Equal(t, 1.0/256, FromWeight(0))
	assert.Equal(t, 16.0/256, FromWeight(15))
}
