// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var v4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNewRandom(t *testing.T) {
	id, err := NewRandom()
	require.NoError(t, err)
	assert.Regexp(t, v4Pattern, id)
	assert.True(t, IsValid(id))
}

// TestNewUniqueness generates many ids and checks none repeat.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewRandom()
		require.NoError(t, err)
		require.False(t, ids[id], "duplicate UUID generated: %s", id)
		ids[id] = true
	}
	assert.Len(t, ids, 1000)
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v4 with zeros", "00000000-0000-4000-8000-000000000000", true},
		{"valid UUID v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"too short", "f47ac10b-58cc-4372-a567", false},
		{"too long", "f47ac10b-58cc-4372-a567-0e02b2c3d479-extra", false},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"v1 instead of v4", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"invalid characters", "g47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"invalid variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"random string", "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.uuid))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("f47ac10b-58cc-4372-a567-0e02b2c3d479"))
	assert.Error(t, Validate("not-a-uuid"))
}

func TestGenerator(t *testing.T) {
	var g Generator = NewRandom
	id, err := g()
	require.NoError(t, err)
	assert.True(t, IsValid(id))
}
