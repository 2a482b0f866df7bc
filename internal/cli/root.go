// Package cli builds the bam and bamd command trees.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rtloftin/discrete-bam/internal/config"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// Streams are the terminal streams commands read and write.
type Streams struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

// StdStreams returns the process streams.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}
}

// app carries what every command of a tree shares.
type app struct {
	streams Streams
	cfgFile string
	cfg     *config.Config

	// bindings maps config keys to the flag names that override them.
	bindings map[string]string
}

func newApp(streams Streams) *app {
	return &app{
		streams: streams,
		bindings: map[string]string{
			"log.level": "log-level",
			"log.file":  "log-file",
		},
	}
}

func (a *app) addPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is "+config.Dir()+"/config.yaml)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-file", "", "also write JSON logs to this file")
}

func (a *app) bind(key, flag string) {
	a.bindings[key] = flag
}

// load resolves configuration for cmd and applies the log settings.
func (a *app) load(cmd *cobra.Command) error {
	v := config.NewViper(a.cfgFile)
	for key, name := range a.bindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if err := logger.Configure(a.streams.ErrOut, cfg.Log.File); err != nil {
		return err
	}
	if v.ConfigFileUsed() != "" {
		logger.Debugf("cli: config file %s", v.ConfigFileUsed())
	}
	a.cfg = cfg
	return nil
}

// quietLogs keeps log lines off a screen the terminal environment owns.
// The JSON file sink, if configured, keeps receiving everything.
func (a *app) quietLogs() func() {
	if err := logger.Configure(io.Discard, a.cfg.Log.File); err != nil {
		logger.Warnf("cli: %v", err)
		return func() {}
	}
	return func() {
		_ = logger.Configure(a.streams.ErrOut, a.cfg.Log.File)
	}
}

// Execute runs cmd and maps interruption to a clean exit.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	defer logger.Close()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}
