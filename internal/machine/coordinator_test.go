package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.NoError(t, r.Claim("AB-12-CD", "North"))
	assert.NoError(t, r.Claim("AB-12-CD", "North"), "re-claiming by the holder is allowed")
	assert.ErrorIs(t, r.Claim("AB-12-CD", "South"), ErrDuplicateVehicle)

	r.Release("AB-12-CD", "South")
	holder, ok := r.Holder("AB-12-CD")
	assert.True(t, ok, "only the holder can release")
	assert.Equal(t, "North", holder)

	r.Release("AB-12-CD", "North")
	_, ok = r.Holder("AB-12-CD")
	assert.False(t, ok)
	assert.NoError(t, r.Claim("AB-12-CD", "South"))
}
