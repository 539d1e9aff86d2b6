// chatctl is a terminal client for the chatrelay gateway.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/client"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/protocol"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdin, os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	url     string
	verbose bool
	policy  client.Policy
}

func (o *rootOptions) client() *client.Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if o.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return client.New(o.url, client.Options{Policy: o.policy, Logger: logger})
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Talk to a chatrelay gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", envOr("CHATRELAY_URL", "http://localhost:3500"), "gateway base URL")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log connection events to stderr")
	root.PersistentFlags().DurationVar(&opts.policy.Backoff, "reconnect-backoff",
		envDuration("RECONNECT_BACKOFF", client.DefaultPolicy.Backoff), "wait before reconnecting after a dropped connection")
	root.PersistentFlags().DurationVar(&opts.policy.QuickClose, "quick-close",
		envDuration("QUICK_CLOSE_THRESHOLD", client.DefaultPolicy.QuickClose), "closes sooner than this after connecting end the session")
	root.SetIn(in)
	root.SetOut(out)

	root.AddCommand(newTokenCmd(opts), newHistoryCmd(opts), newChatCmd(opts))
	return root
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Start a session and print its token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := opts.client().RequestToken(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		token string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored turns of a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			turns, err := opts.client().History(cmd.Context(), token, limit)
			if err != nil {
				return err
			}
			for _, t := range turns {
				printTurn(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().IntVar(&limit, "limit", 0, "most recent turns to print (0 for all)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var token, name string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively; each input line is one message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c := opts.client()
			out := cmd.OutOrStdout()

			if token == "" {
				session, err := c.RequestToken(ctx, name)
				if err != nil {
					return err
				}
				token = session.Token
				fmt.Fprintf(out, "session %s (expires %s)\n", token, session.ExpiresAt.Local().Format("15:04:05"))
			}

			input := make(chan string)
			go readLines(ctx, cmd.InOrStdin(), input)

			err := c.Run(ctx, token, input, &printer{out: out})
			if errors.Is(err, client.ErrSessionEnded) {
				fmt.Fprintln(out, "session ended; request a new token to continue")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "resume an existing session")
	cmd.Flags().StringVar(&name, "name", "", "start a new session with this display name")
	cmd.MarkFlagsOneRequired("token", "name")
	cmd.MarkFlagsMutuallyExclusive("token", "name")
	return cmd
}

// readLines forwards non-empty lines from r and closes input at EOF.
func readLines(ctx context.Context, r io.Reader, input chan<- string) {
	defer close(input)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case input <- line:
		case <-ctx.Done():
			return
		}
	}
}

// printer renders connection events as plain text.
type printer struct {
	out io.Writer
}

func (p *printer) OnState(s client.State) {
	switch s {
	case client.StateConnected:
		fmt.Fprintln(p.out, "-- connected")
	case client.StateReconnecting:
		fmt.Fprintln(p.out, "-- connection lost, reconnecting")
	}
}

func (p *printer) OnHistory(turns []domain.Turn) {
	for _, t := range turns {
		printTurn(p.out, t)
	}
}

func (p *printer) OnFrame(f protocol.ServerFrame) {
	switch f.Type {
	case protocol.FrameMessage:
		fmt.Fprintf(p.out, "%s: %s\n", f.Origin, f.Body)
	case protocol.FrameError:
		fmt.Fprintf(p.out, "!! %s: %s\n", f.Code, f.Message)
	}
}

func printTurn(w io.Writer, t domain.Turn) {
	fmt.Fprintf(w, "[%s] %s: %s\n", t.CreatedAt.Local().Format("15:04:05"), t.Origin, t.Body)
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
