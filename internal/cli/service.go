package cli

import (
	"github.com/gin-gonic/gin"
	"github.com/rtloftin/discrete-bam/internal/devservice"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/spf13/cobra"
)

// NewServiceCommand returns the bamd command.
func NewServiceCommand(streams Streams) *cobra.Command {
	a := newApp(streams)
	a.bind("service.addr", "addr")
	a.bind("service.database", "database")
	a.bind("service.debug", "debug")
	a.bind("service.seed", "seed")
	a.bind("service.max_connections", "max-connections")

	cmd := &cobra.Command{
		Use:   "bamd",
		Short: "Run the development learning service",
		Long: `bamd serves the session protocol over a websocket at /ws with a
tabular grid world learner, and logs every request to sqlite.`,
		Version:           Version,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.load(cmd) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.Service
			if cfg.Debug {
				logger.SetLevel(logger.LevelDebug)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			logger.Infof("bamd: opening database %s", cfg.Database)
			store, err := devservice.OpenStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			return devservice.NewServer(a.cfg.DevService(), store).Run(cmd.Context())
		},
	}
	cmd.SetOut(streams.Out)
	cmd.SetErr(streams.ErrOut)
	a.addPersistentFlags(cmd)

	flags := cmd.Flags()
	flags.String("addr", "", "listen address")
	flags.String("database", "", "sqlite event log path")
	flags.Bool("debug", false, "verbose logging and gin debug mode")
	flags.Uint64("seed", 0, "base seed for reproducible sessions")
	flags.Int("max-connections", 0, "decline sockets beyond this many")
	return cmd
}
