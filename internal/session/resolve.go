package session

import "github.com/matheus3301/chatsync/internal/config"

// Resolve determines the active user id using precedence:
// 1. flagOverride (--user flag)
// 2. config (file, then CHATSYNC_USER_ID)
// An empty result means nobody is signed in.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		return ""
	}
	return cfg.UserID
}
