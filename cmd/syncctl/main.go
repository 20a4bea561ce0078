package main

import (
	"os"

	"schoolsync/internal/config"
	"schoolsync/internal/database"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	agentURL   string
	apiKey     string
	apiExtra   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "syncctl",
		Short:        "Inspect and repair the local sync queue",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("CONFIG_PATH", "configs/agent.yaml"), "Agent config file")
	cmd.PersistentFlags().StringVar(&opts.agentURL, "agent", "", "Control API of a running agent, e.g. http://localhost:8090")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("SYNCCTL_API_KEY"), "Control API key")
	cmd.PersistentFlags().StringVar(&opts.apiExtra, "api-extra", os.Getenv("SYNCCTL_API_EXTRA"), "Control API extra header")

	cmd.AddCommand(listCmd(opts))
	cmd.AddCommand(statusCmd(opts))
	cmd.AddCommand(dismissCmd(opts))
	cmd.AddCommand(retryCmd(opts))
	cmd.AddCommand(syncCmd(opts))
	cmd.AddCommand(exportCmd(opts))
	cmd.AddCommand(backupCmd(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *options) logger() *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	return &l
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

// openDB opens the agent's queue database. The agent may keep running:
// sqlite in WAL mode serializes the writers.
func (o *options) openDB() (*config.Config, *database.DB, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.NewDB(cfg.Database.Path, o.logger())
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}
