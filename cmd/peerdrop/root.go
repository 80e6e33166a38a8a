package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/endpoint"
	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/internal/notify"
	"github.com/sheerbytes/peerdrop/internal/progress"
	"github.com/sheerbytes/peerdrop/internal/store"
	"github.com/sheerbytes/peerdrop/internal/termio"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/spf13/cobra"
)

const registerTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	cfg := config.DefaultEndpoint()
	root := &cobra.Command{
		Use:          "peerdrop",
		Short:        "send files to other peerdrop users",
		Long:         `peerdrop registers a username on a relay and exchanges files with other users, through the relay or over a direct WebRTC channel.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(newSendCmd(&cfg))
	root.AddCommand(newReceiveCmd(&cfg))
	root.AddCommand(newUsersCmd(&cfg))
	root.AddCommand(newFilesCmd(&cfg))
	root.AddCommand(newStatusCmd(&cfg))
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// session is a running endpoint plus the plumbing the commands share.
type session struct {
	ep     *endpoint.Endpoint
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan error
	reg    chan error
}

type sessionOptions struct {
	logger    *slog.Logger
	persister transfer.Persister
	progress  transfer.ProgressReporter
	notifiers []notify.Notifier
	quiet     bool
}

// startSession runs an endpoint in the background and waits until the
// username is accepted or rejected.
func startSession(ctx context.Context, cfg *config.EndpointConfig, so sessionOptions, stderr io.Writer) (*session, error) {
	if cfg.Username == "" {
		return nil, errors.New("a username is required (--username or PEERDROP_USERNAME)")
	}
	logger := so.logger
	if logger == nil {
		logger = newLogger(cfg)
	}

	s := &session{logger: logger, done: make(chan error, 1), reg: make(chan error, 1)}
	signalReg := notify.Func(func(ev notify.Event) {
		var err error
		switch ev.Kind {
		case notify.Registered:
		case notify.RegistrationFailed:
			err = fmt.Errorf("registration failed: %s", ev.Message)
		default:
			return
		}
		select {
		case s.reg <- err:
		default:
		}
	})
	notifiers := notify.Multi{signalReg}
	if !so.quiet {
		notifiers = append(notifiers, notify.NewTerminal(stderr))
	}
	notifiers = append(notifiers, so.notifiers...)

	opts := endpoint.OptionsFromConfig(*cfg)
	opts.Persister = so.persister
	opts.Progress = so.progress
	opts.Notifier = notifiers
	opts.Logger = logger
	s.ep = endpoint.New(opts)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() { s.done <- s.ep.Run(runCtx) }()

	timer := time.NewTimer(registerTimeout)
	defer timer.Stop()
	select {
	case err := <-s.reg:
		if err != nil {
			s.stop()
			return nil, err
		}
		return s, nil
	case <-timer.C:
		s.stop()
		return nil, fmt.Errorf("no answer from relay %s within %s", cfg.RelayURL, registerTimeout)
	case <-ctx.Done():
		s.stop()
		return nil, ctx.Err()
	}
}

func (s *session) stop() {
	s.cancel()
	<-s.done
}

// barsFor returns progress bars drawing on w, or drawing nowhere when w is
// not a terminal. Either way they keep per-transfer stats.
func barsFor(w io.Writer) *progress.Bars {
	if !termio.IsTerminal(w) {
		w = io.Discard
	}
	return progress.NewBars(w)
}

// newLogger builds the command's logger. Commands create it once and hand it
// to every component.
func newLogger(cfg *config.EndpointConfig) *slog.Logger {
	return logging.NewWithFile("peerdrop", cfg.LogLevel, cfg.LogFile)
}

func openStore(cfg *config.EndpointConfig, logger *slog.Logger) (*store.Store, error) {
	return store.Open(cfg.DBPath, logger)
}
