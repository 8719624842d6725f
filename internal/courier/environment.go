package courier

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/uuid"
)

// deviceIDFile is the name of the file, inside the data directory, that
// persists the generated device id.
const deviceIDFile = "device_id"

// Environment is the metadata attached to every enqueued event.
type Environment struct {
	DeviceID      string
	ClientVersion string
}

// LoadEnvironment resolves the device id and client version. A non-empty
// deviceID is used as is; otherwise the id persisted in dataDir is used,
// generating and saving one on first use.
func LoadEnvironment(dataDir, deviceID, version string) (Environment, error) {
	if deviceID == "" {
		var err error
		deviceID, err = persistedDeviceID(dataDir)
		if err != nil {
			return Environment{}, err
		}
	}
	return Environment{DeviceID: deviceID, ClientVersion: version}, nil
}

func persistedDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", apperrors.Wrap(apperrors.ErrConfig, "read device id", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "generate device id", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrConfig, "create data directory", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", apperrors.Wrap(apperrors.ErrConfig, "write device id", err)
	}
	return id, nil
}
