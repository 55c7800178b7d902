package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sheerbytes/backhaul/internal/client"
	"github.com/sheerbytes/backhaul/internal/config"
	"github.com/sheerbytes/backhaul/internal/logging"
	"github.com/sheerbytes/backhaul/internal/progress"
	"github.com/sheerbytes/backhaul/internal/termio"
	"github.com/sheerbytes/backhaul/internal/wsclient"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

const version = "v0.1.0"

func main() {
	code := 0
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(termio.Stderr(), "backhaul: %v\n", err)
		code = 1
	}
	termio.Flush()
	os.Exit(code)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "backhaul",
		Short:         "Client for the backhauld file transfer server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindClientFlags(root.PersistentFlags())
	root.AddCommand(
		uploadCmd(),
		downloadCmd(),
		sendCmd(),
		watchCmd(),
		statusCmd(),
	)
	return root
}

// env is what every subcommand starts from.
type env struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func setup(cmd *cobra.Command, deadline bool) (*env, error) {
	cfg, err := config.LoadClient(cmd.Flags())
	if err != nil {
		return nil, err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cancel := context.CancelFunc(stop)
	if deadline && cfg.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, cfg.Timeout)
		cancel = func() {
			tcancel()
			stop()
		}
	}
	return &env{
		cfg:    cfg,
		logger: logging.New("backhaul", cfg.LogLevel, termio.Stderr()),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (e *env) dial() (*client.Session, error) {
	return client.Dial(e.ctx, client.Config{
		Server:    e.cfg.Server,
		DataPort:  e.cfg.DataPort,
		LocalHost: e.cfg.LocalHost,
		Logger:    e.logger,
	})
}

func uploadCmd() *cobra.Command {
	var showProgress bool
	cmd := &cobra.Command{
		Use:   "upload <local> <remote>",
		Short: "Send a local file to a path on the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer e.cancel()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			sess, err := e.dial()
			if err != nil {
				return err
			}
			defer sess.Close()

			meter := progress.NewMeter()
			meter.Start(info.Size())
			stop := func() {}
			if showProgress {
				stop = progress.Render(e.ctx, termio.Stderr(), progress.IsTTY(os.Stderr), "upload", meter)
			}
			start := time.Now()
			n, err := sess.Upload(e.ctx, args[1], meter.Reader(f))
			stop()
			if err != nil {
				return err
			}
			printTransfer("uploaded", args[0], args[1], n, time.Since(start))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showProgress, "progress", progress.IsTTY(os.Stderr), "show transfer progress on stderr")
	return cmd
}

func downloadCmd() *cobra.Command {
	var showProgress bool
	cmd := &cobra.Command{
		Use:   "download <remote> <local>",
		Short: "Fetch a file from the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer e.cancel()

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			sess, err := e.dial()
			if err != nil {
				f.Close()
				return err
			}
			defer sess.Close()

			meter := progress.NewMeter()
			meter.Start(0)
			stop := func() {}
			if showProgress {
				stop = progress.Render(e.ctx, termio.Stderr(), progress.IsTTY(os.Stderr), "download", meter)
			}
			start := time.Now()
			n, err := sess.Download(e.ctx, args[0], meter.Writer(f))
			stop()
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			printTransfer("downloaded", args[0], args[1], n, time.Since(start))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showProgress, "progress", progress.IsTTY(os.Stderr), "show transfer progress on stderr")
	return cmd
}

func printTransfer(verb, from, to string, n int64, elapsed time.Duration) {
	rate := ""
	if secs := elapsed.Seconds(); secs > 0 {
		rate = fmt.Sprintf(" (%s/s)", humanize.IBytes(uint64(float64(n)/secs)))
	}
	fmt.Fprintf(termio.Stdout(), "%s %s -> %s: %s in %s%s\n",
		verb, from, to, humanize.IBytes(uint64(n)), elapsed.Round(time.Millisecond), rate)
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <raw>",
		Short: "Write a raw control line and report whether the server closed the pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer e.cancel()

			sess, err := e.dial()
			if err != nil {
				return err
			}
			defer sess.Close()

			raw := args[0]
			if !strings.HasSuffix(raw, "\n") {
				raw += "\n"
			}
			if err := sess.Send([]byte(raw)); err != nil {
				return err
			}
			err = sess.WaitClosed(e.ctx)
			switch {
			case err == nil:
				fmt.Fprintln(termio.Stdout(), "server closed the control connection")
			case errors.Is(err, client.ErrNotAcknowledged):
				fmt.Fprintln(termio.Stdout(), "control connection still open")
			default:
				return err
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the server's event feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer e.cancel()
			if e.cfg.OpsURL == "" {
				return errors.New("--ops-url is required")
			}

			wsURL := client.EventsURL(e.cfg.OpsURL)
			if len(types) > 0 {
				q := url.Values{"type": types}
				wsURL += "?" + q.Encode()
			}
			conn, err := wsclient.Dial(e.ctx, wsURL, e.logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			err = conn.ReadLoop(e.ctx, func(env protocol.Envelope) {
				fmt.Fprintf(termio.Stdout(), "%s %-22s %s\n", env.At.Local().Format(time.TimeOnly), env.Type, env.Payload)
			})
			if e.ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "only show these event types")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the server's health counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer e.cancel()
			if e.cfg.OpsURL == "" {
				return errors.New("--ops-url is required")
			}
			h, err := client.FetchHealth(e.ctx, e.cfg.OpsURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(termio.Stdout(), "ok=%t pairings=%d uploads=%d downloads=%d\n", h.OK, h.Pairings, h.Uploads, h.Downloads)
			return nil
		},
	}
}
