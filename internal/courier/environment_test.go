package courier

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/courier/internal/uuid"
)

func TestLoadEnvironment_generatesAndPersistsDeviceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	env, err := LoadEnvironment(dir, "", "1.2.3")
	require.NoError(t, err)
	assert.True(t, uuid.IsValid(env.DeviceID))
	assert.Equal(t, "1.2.3", env.ClientVersion)

	data, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	require.NoError(t, err)
	assert.Equal(t, env.DeviceID, strings.TrimSpace(string(data)))

	again, err := LoadEnvironment(dir, "", "1.2.4")
	require.NoError(t, err)
	assert.Equal(t, env.DeviceID, again.DeviceID)
	assert.Equal(t, "1.2.4", again.ClientVersion)
}

func TestLoadEnvironment_override(t *testing.T) {
	dir := t.TempDir()

	env, err := LoadEnvironment(dir, "fixed-device", "dev")
	require.NoError(t, err)
	assert.Equal(t, Environment{DeviceID: "fixed-device", ClientVersion: "dev"}, env)

	_, err = os.Stat(filepath.Join(dir, deviceIDFile))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadEnvironment_emptyFileIsRegenerated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, deviceIDFile), []byte("\n"), 0o600))

	env, err := LoadEnvironment(dir, "", "dev")
	require.NoError(t, err)
	assert.True(t, uuid.IsValid(env.DeviceID))
}
