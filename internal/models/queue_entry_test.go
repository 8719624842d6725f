package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID_Value(t *testing.T) {
	v, err := UUID("0f8fad5b-d9cb-469f-a165-70867728950e").Value()
	require.NoError(t, err)
	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", v)
}

func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    UUID
		wantErr bool
	}{
		{"string", "abc", "abc", false},
		{"bytes", []byte("def"), "def", false},
		{"nil", nil, "", false},
		{"int", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := UUID("previous")
			err := u.Scan(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
			assert.Equal(t, string(tt.want), u.String())
		})
	}
}
