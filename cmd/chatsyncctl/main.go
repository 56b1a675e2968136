package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	JSON    bool
	Socket  string
	Timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "Control a running chatsync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().StringVar(&opts.Socket, "socket", "", "daemon socket (default $CHATSYNC_HOME/chatsyncd.sock)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-command timeout")

	cmd.AddCommand(
		newStatusCommand(opts),
		newSignInCommand(opts),
		newSignOutCommand(opts),
		newSyncCommand(opts),
		newRetryCommand(opts),
		newOnlineCommand(opts),
		newChatsCommand(opts),
		newMessagesCommand(opts),
		newNewChatCommand(opts),
		newSendCommand(opts),
		newFavoriteCommand(opts),
		newDeleteChatCommand(opts),
		newRefreshCommand(opts),
		newQueueCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

// withClient dials the daemon and runs fn under the command timeout.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(context.Context, *api.Client) error) error {
	socket := o.Socket
	if socket == "" {
		socket = session.SocketPath()
	}
	c, err := api.Dial(socket)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon at %s: %w", socket, err)
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
