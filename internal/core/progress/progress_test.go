package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(0, 10))
	assert.Equal(t, 50.0, Percent(5, 10))
	assert.Equal(t, 100.0, Percent(10, 10))
	// Over-delivery and empty sessions stay clamped.
	assert.Equal(t, 100.0, Percent(15, 10))
	assert.Equal(t, 0.0, Percent(3, 0))
	assert.Equal(t, 0.0, Percent(-1, 10))
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "session:abc:events", Channel("abc"))
}
