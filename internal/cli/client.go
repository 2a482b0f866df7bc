package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rtloftin/discrete-bam/internal/connection"
	"github.com/rtloftin/discrete-bam/internal/environment"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/script"
	"github.com/rtloftin/discrete-bam/internal/session"
	"github.com/rtloftin/discrete-bam/internal/terminal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewClientCommand returns the bam command tree.
func NewClientCommand(streams Streams) *cobra.Command {
	a := newApp(streams)
	a.bind("server.url", "server")

	root := &cobra.Command{
		Use:   "bam",
		Short: "Teach a learning agent from the terminal",
		Long: `bam connects to a learning service and lets you teach an agent by
demonstrating tasks and giving feedback on its attempts.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.load(cmd) },
	}
	root.SetIn(streams.In)
	root.SetOut(streams.Out)
	root.SetErr(streams.ErrOut)
	a.addPersistentFlags(root)
	root.PersistentFlags().String("server", "", "learning service websocket URL")

	root.AddCommand(newRunCommand(a), newTutorialCommand(a))
	return root
}

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a teaching session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := a.cfg.Session.StartPayload()
			if err != nil {
				return err
			}
			return a.withTerminal(cmd.Context(), func(ctx context.Context, conn *connection.Client, ui *screen) error {
				return session.Run(ctx, conn, session.RunOptions{
					Config:    a.cfg.SessionRun(),
					Start:     start,
					Indicator: terminal.Banner{Out: a.streams.Out},
					// Keys flow once the session listens for them.
					OnStart: func(*session.Session) { ui.listen() },
				}, func(_ context.Context, initial json.RawMessage) (environment.Environment, error) {
					env, err := ui.build(initial)
					if err != nil {
						return nil, err
					}
					return env, nil
				})
			})
		},
	}
	cmd.Flags().String("start", "", "YAML or JSON file sent as the start-session payload")
	a.bind("session.start_file", "start")
	return cmd
}

func newTutorialCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tutorial <script.yaml>",
		Short: "Play a scripted tutorial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := script.Load(args[0])
			if err != nil {
				return err
			}
			return a.withTerminal(cmd.Context(), func(ctx context.Context, conn *connection.Client, ui *screen) error {
				return script.Play(ctx, conn, sc, func(_ context.Context, initial json.RawMessage) (environment.Environment, error) {
					env, err := ui.build(initial)
					if err != nil {
						return nil, err
					}
					ui.listen()
					return env, nil
				}, script.Options{
					Tutorial:       a.cfg.TutorialRun(),
					SessionTimeout: a.cfg.Timeouts.Session,
				})
			})
		},
	}
}

// screen owns the terminal environment of one command. Keys are read only
// after listen, so nothing is published before the caller subscribes.
type screen struct {
	out   io.Writer
	env   *terminal.Environment
	ready chan *terminal.Environment
}

func (s *screen) build(initial json.RawMessage) (*terminal.Environment, error) {
	env, err := terminal.New(s.out, initial)
	if err != nil {
		return nil, err
	}
	s.env = env
	return env, nil
}

func (s *screen) listen() {
	if s.env != nil {
		s.ready <- s.env
	}
}

// withTerminal dials the service, puts stdin in raw mode when it is a
// terminal, and runs fn alongside the keyboard reader. Ctrl+C cancels fn.
func (a *app) withTerminal(ctx context.Context, fn func(context.Context, *connection.Client, *screen) error) error {
	conn, err := connection.Dial(ctx, a.cfg.Server.URL, a.cfg.Server.ConnectTimeout,
		connection.WithRequestTimeout(a.cfg.Timeouts.Request))
	if err != nil {
		return err
	}
	defer conn.Close()

	if f, ok := a.streams.In.(*os.File); ok {
		restore, err := terminal.MakeRaw(f)
		if err != nil {
			return err
		}
		defer restore()
	}
	defer a.quietLogs()()

	ui := &screen{out: a.streams.Out, ready: make(chan *terminal.Environment, 1)}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return fn(gctx, conn, ui)
	})
	g.Go(func() error {
		var env *terminal.Environment
		select {
		case env = <-ui.ready:
		case <-gctx.Done():
			return nil
		}
		err := env.ReadKeys(gctx, a.streams.In)
		switch {
		case errors.Is(err, terminal.ErrInterrupted):
			logger.Infof("cli: interrupted")
			return context.Canceled
		case errors.Is(err, context.Canceled):
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", a.cfg.Server.URL, err)
	}
	return nil
}
