package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	envConfigPath = "LOCKER_CONFIG_PATH"
	envHome       = "LOCKER_HOME"
)

// Defaults are the paths used when the command line does not override them.
type Defaults struct {
	ConfigPath string // $LOCKER_CONFIG_PATH or ~/.config/locker.toml
	BaseDir    string // $LOCKER_HOME or ~/.local/share/locker
	LogDir     string // <BaseDir>/log
}

// GetDefaults resolves default paths, checking environment variables first.
func GetDefaults() (*Defaults, error) {
	configPath, err := fromEnvOrHome(envConfigPath, ".config", "locker.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnvOrHome(envHome, ".local", "share", "locker")
	if err != nil {
		return nil, err
	}
	return &Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func fromEnvOrHome(env string, elem ...string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}

// LoadDotEnv loads variables from a .env file without overriding ones that
// are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
