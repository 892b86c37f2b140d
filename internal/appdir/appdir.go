// Package appdir locates the marketchat data directory, which holds the
// thread cache (threads/) and rotated log files (logs/).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "MARKETCHAT_DIR"

	// ThreadsDirName is the thread cache subdirectory.
	ThreadsDirName = "threads"
	// LogsDirName is the log subdirectory.
	LogsDirName = "logs"
	// LogFileName is the default log file inside LogsDirName.
	LogFileName = "marketchat.log"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path, in order of preference:
//  1. MARKETCHAT_DIR
//  2. macOS: ~/Library/Application Support/Marketchat
//  3. Windows: %APPDATA%\Marketchat
//  4. elsewhere: $XDG_DATA_HOME/marketchat or ~/.local/share/marketchat
//
// It does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil && runtime.GOOS != "windows" {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "Marketchat"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Marketchat"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "marketchat"), nil
	}
}

// EnsureDir creates the data directory and its subdirectories.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	for _, d := range []string{dir, filepath.Join(dir, ThreadsDirName), filepath.Join(dir, LogsDirName)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

// ThreadsDir returns the thread cache directory.
func ThreadsDir() (string, error) {
	return subPath(ThreadsDirName)
}

// LogsDir returns the log directory.
func LogsDir() (string, error) {
	return subPath(LogsDirName)
}

// LogFile returns the default log file path.
func LogFile() (string, error) {
	return subPath(LogsDirName, LogFileName)
}

func subPath(elem ...string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// ResetCache clears the cached directory. Used by tests that change
// MARKETCHAT_DIR.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
