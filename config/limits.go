package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ndtelles/Atticus/errors"
)

// Size limits for device files and override variables
const (
	maxDeviceFileSize = 1 << 20
	maxEnvValueLen    = 1024
)

// readDeviceFile reads a YAML device description, refusing anything that
// is not a regular .yaml/.yml file of reasonable size.
func readDeviceFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: device file path is empty", errors.ErrMissingConfig)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: device file %s is not YAML", errors.ErrInvalidConfig, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxDeviceFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d",
			errors.ErrResourceExhausted, path, info.Size(), maxDeviceFileSize)
	}
	return os.ReadFile(path)
}

// checkEnvValue rejects override values no device setting could need
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("%w: %s is %d bytes long", errors.ErrInvalidConfig, key, len(value))
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%w: %s contains a NUL byte", errors.ErrInvalidConfig, key)
	}
	return nil
}
