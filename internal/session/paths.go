package session

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory.
const HomeEnv = "CHATSYNC_HOME"

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the per-user replica directory.
func Dir(userID string) string {
	return filepath.Join(BaseDir(), "users", userID)
}

// DBPath returns the user's replica database path.
func DBPath(userID string) string {
	return filepath.Join(Dir(userID), "replica.db")
}

// SocketPath returns the daemon's control socket path.
func SocketPath() string {
	return filepath.Join(BaseDir(), "chatsyncd.sock")
}

// LogDir returns the daemon log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the user's directory tree with proper permissions.
func EnsureDir(userID string) error {
	dirs := []string{
		Dir(userID),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
