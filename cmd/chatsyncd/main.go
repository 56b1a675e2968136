package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var userFlag, configFlag string

	cmd := &cobra.Command{
		Use:          "chatsyncd",
		Short:        "Run the chatsync replication daemon",
		Long:         "Keeps a local-first replica of a user's chats and uploads offline writes to the chat service.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configFlag
			if path == "" {
				path = session.ConfigPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			userID := userFlag
			if userID == "" {
				userID = cfg.UserID
			}
			if userID != "" {
				if err := session.ValidateUserID(userID); err != nil {
					return err
				}
			}

			app := fx.New(daemon.Module(daemon.Params{Config: cfg, UserID: userID}))
			app.Run()
			return app.Err()
		},
	}

	cmd.Flags().StringVar(&userFlag, "user", "", "user to sign in on start (overrides config user_id)")
	cmd.Flags().StringVar(&configFlag, "config", "", "config file (default $CHATSYNC_HOME/config.toml)")
	return cmd
}
