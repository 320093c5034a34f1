package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "matchbook"
)

func DataDir() (string, error) {
	if override := os.Getenv("MATCHBOOK_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func SessionsDBPath(dataDir string) string {
	return filepath.Join(dataDir, "sessions.db")
}
