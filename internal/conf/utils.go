// conf/utils.go config file location helpers
package conf

import (
	"os"
	"path/filepath"

	"github.com/tphakala/gadgetbridge/internal/errors"
)

// systemConfigDir is searched after the per-user directory.
const systemConfigDir = "/etc/gadgetbridge"

// GetDefaultConfigPaths returns the configuration search paths. When a
// config.yaml exists in one of them only that path is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("configuration").
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	configPaths := []string{
		filepath.Join(homeDir, ".config", "gadgetbridge"),
		systemConfigDir,
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}
	return configPaths, nil
}

// FindConfigFile locates the configuration file.
func FindConfigFile() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}

	for _, path := range configPaths {
		configFilePath := filepath.Join(path, "config.yaml")
		if _, err := os.Stat(configFilePath); err == nil {
			return configFilePath, nil
		}
	}

	return "", errors.Newf("config file not found").
		Component("configuration").
		Category(errors.CategoryNotFound).
		Context("operation", "find-config-file").
		Build()
}
