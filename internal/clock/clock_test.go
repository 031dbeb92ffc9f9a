package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystem_Now(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := System{Location: loc}.Now()

	assert.Equal(t, loc, now.Location())
	assert.WithinDuration(t, time.Now(), now, 5*time.Second)
}

func TestFixed(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := Fixed(at)

	assert.Equal(t, at, c.Now())
	assert.Equal(t, at, c.Now(), "a fixed clock must not advance")
}
