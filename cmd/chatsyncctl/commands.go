package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who is signed in and what is waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				info, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(opts, info)
				return nil
			})
		},
	}
}

func newSignInCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sign-in [user]",
		Short: "Open a user's replica (default: config user_id)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flag string
			if len(args) == 1 {
				flag = args[0]
			}
			userID := session.Resolve(flag)
			if userID == "" {
				return fmt.Errorf("no user given and no user_id in %s", session.ConfigPath())
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				info, err := c.SignIn(ctx, userID)
				if err != nil {
					return err
				}
				printStatus(opts, info)
				return nil
			})
		},
	}
}

func newSignOutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sign-out",
		Short: "Close the open replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.SignOut(ctx)
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload pending chats and messages now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				res, err := c.SyncNow(ctx)
				if err != nil {
					return err
				}
				printResult(opts, res)
				return nil
			})
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Mark failed records pending and sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				res, err := c.RetryFailed(ctx)
				if err != nil {
					return err
				}
				printResult(opts, res)
				return nil
			})
		},
	}
}

func newOnlineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "online <on|off>",
		Short:     "Tell the daemon whether the chat service is reachable",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var online bool
			switch args[0] {
			case "on":
				online = true
			case "off":
			default:
				return fmt.Errorf("want on or off, got %q", args[0])
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				info, err := c.SetOnline(ctx, online)
				if err != nil {
					return err
				}
				printStatus(opts, info)
				return nil
			})
		},
	}
}

func newChatsCommand(opts *rootOptions) *cobra.Command {
	var mode, profile string
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List local chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				chats, err := c.ListChats(ctx, mode, profile)
				if err != nil {
					return err
				}
				printChats(opts, chats)
				return nil
			})
		},
	}
	addScopeFlags(cmd, &mode, &profile)
	return cmd
}

func newMessagesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "List a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				msgs, err := c.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.JSON {
					outputJSON(msgs)
					return nil
				}
				if len(msgs) == 0 {
					fmt.Println("No messages.")
					return nil
				}
				for _, m := range msgs {
					fav := " "
					if m.IsFavorite {
						fav = "*"
					}
					fmt.Printf("%s %-9s %-8s %s\n", fav, m.Role, m.SyncStatus, m.Content)
				}
				return nil
			})
		},
	}
}

func newNewChatCommand(opts *rootOptions) *cobra.Command {
	var mode, profile, title string
	cmd := &cobra.Command{
		Use:   "new-chat",
		Short: "Create a chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				chat, err := c.CreateChat(ctx, mode, title, profile)
				if err != nil {
					return err
				}
				if opts.JSON {
					outputJSON(chat)
					return nil
				}
				fmt.Println(chat.Key())
				return nil
			})
		},
	}
	addScopeFlags(cmd, &mode, &profile)
	cmd.Flags().StringVar(&title, "title", "", "chat title")
	return cmd
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "send <chat-id> <text>...",
		Short: "Add a message to a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args[1:], " ")
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				m, err := c.SendMessage(ctx, args[0], store.Role(role), content, nil)
				if err != nil {
					return err
				}
				if opts.JSON {
					outputJSON(m)
					return nil
				}
				fmt.Printf("%s (%s)\n", m.ID, m.SyncStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(store.RoleUser), "message role (user|assistant|system)")
	return cmd
}

func newFavoriteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <chat-id> <message-id>",
		Short: "Toggle a message's favorite flag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				m, err := c.ToggleFavorite(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if opts.JSON {
					outputJSON(m)
					return nil
				}
				fmt.Printf("favorite: %v\n", m.IsFavorite)
				return nil
			})
		},
	}
}

func newDeleteChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-chat <chat-id>",
		Short: "Delete a chat and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.DeleteChat(ctx, args[0])
			})
		},
	}
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	var mode, profile string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Pull chats from the chat service and merge them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				info, err := c.Refresh(ctx, mode, profile)
				if err != nil {
					return err
				}
				if opts.JSON {
					outputJSON(info)
					return nil
				}
				if info.Warning != "" {
					fmt.Fprintf(os.Stderr, "warning: showing local data: %s\n", info.Warning)
				}
				printChats(opts, info.Chats)
				return nil
			})
		},
	}
	addScopeFlags(cmd, &mode, &profile)
	return cmd
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				qs, err := c.QueueStatus(ctx)
				if err != nil {
					return err
				}
				if opts.JSON {
					outputJSON(qs)
					return nil
				}
				fmt.Printf("Outbox: %d/%d\n", qs.Length, qs.Limit)
				for _, op := range qs.Operations {
					fmt.Printf("  %-15s %s/%s attempts=%d\n", op.Kind, op.ChatID, op.ID, op.Attempts)
				}
				return nil
			})
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream events (e.g. chat., message., sync.) until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var namespace string
			if len(args) == 1 {
				namespace = args[0]
			}
			// Streams run until interrupted, not for the command timeout.
			watchOpts := *opts
			watchOpts.Timeout = 0
			return watchOpts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
				defer stop()
				events, err := c.Watch(ctx, namespace)
				if err != nil {
					return err
				}
				for evt := range events {
					if opts.JSON {
						outputJSON(evt)
						continue
					}
					at := time.UnixMilli(evt.OccurredAt).Format(time.TimeOnly)
					fmt.Printf("%s %-22s %s\n", at, evt.Kind, evt.UserID)
				}
				return nil
			})
		},
	}
}

// addScopeFlags registers --mode and --profile, defaulting to the config's
// default_mode and profile_id.
func addScopeFlags(cmd *cobra.Command, mode, profile *string) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	cmd.Flags().StringVar(mode, "mode", cfg.DefaultMode, "chat mode")
	cmd.Flags().StringVar(profile, "profile", cfg.ProfileID, "profile id")
}

func printStatus(opts *rootOptions, info api.StatusInfo) {
	if opts.JSON {
		outputJSON(info)
		return
	}
	if !info.SignedIn {
		fmt.Println("Not signed in.")
		return
	}
	fmt.Printf("User:     %s\n", info.UserID)
	fmt.Printf("State:    %s\n", info.State)
	fmt.Printf("Online:   %v\n", info.Online)
	fmt.Printf("Pending:  %d chats, %d messages\n", info.Stats.PendingChats, info.Stats.PendingMessages)
	fmt.Printf("Failed:   %d chats, %d messages\n", info.Stats.FailedChats, info.Stats.FailedMessages)
	fmt.Printf("Outbox:   %d\n", info.Stats.OutboxLength)
	if info.Stats.StorageDegraded {
		fmt.Println("Storage:  DEGRADED (changes kept in memory only)")
	}
	if info.LastResult != nil {
		fmt.Printf("Last sync: %s in %s\n", info.LastResult.Outcome(), info.LastResult.Duration)
	}
}

func printResult(opts *rootOptions, res outbox.Result) {
	if opts.JSON {
		outputJSON(res)
		return
	}
	fmt.Printf("Outcome:  %s\n", res.Outcome())
	fmt.Printf("Chats:    %d synced, %d failed\n", res.ChatsSynced, res.ChatsFailed)
	fmt.Printf("Messages: %d synced, %d failed\n", res.MessagesSynced, res.MessagesFailed)
	if res.Deleted > 0 {
		fmt.Printf("Deleted:  %d\n", res.Deleted)
	}
	if res.Error != "" {
		fmt.Printf("Error:    %s\n", res.Error)
	}
}

func printChats(opts *rootOptions, chats []store.Chat) {
	if opts.JSON {
		outputJSON(chats)
		return
	}
	if len(chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-44s %-8s %s\n", c.Key(), c.SyncStatus, title)
	}
}
