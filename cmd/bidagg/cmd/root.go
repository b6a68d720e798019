package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"bidaggregator/cmd/bidagg/config"
	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/ratelimit"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/store"
	"bidaggregator/lib/configutil"
	"bidaggregator/lib/osutil"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	databasePath string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:          "bidagg",
	Short:        "bidagg collects public procurement notices into one searchable store.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		cmd.SetContext(globals.Set(cmd.Context(), setup(cmd.Context())))
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		teardown(globals.Get(cmd.Context()))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.DefaultPath, "Path to the configuration file.")
	flags.StringVar(&databasePath, "db", "", "SQLite database file, overrides the configuration.")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging.")
}

// setup builds the shared command state. Every failure here is fatal, they
// are the only failures that exit non-zero.
func setup(ctx context.Context) *globals.Value {
	telemetry.InitSlog(verbose)

	cfg, err := config.Load(configPath, configutil.NewEnv())
	if err != nil {
		osutil.Fatal("load config", err)
	}
	if databasePath != "" {
		cfg.Database = store.Config{File: databasePath}
	}

	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		osutil.Fatal("load timezone", err)
	}

	otel, err := telemetry.Setup(ctx, "bidagg", cfg.Telemetry)
	if err != nil {
		osutil.Fatal("setup telemetry", err)
	}
	tel, err := telemetry.NewMeteredAPI(telemetry.SlogAPI{})
	if err != nil {
		osutil.Fatal("setup metrics", err)
	}

	database, err := cfg.Database.Open()
	if err != nil {
		osutil.Fatal("open database", err)
	}
	st := store.New(database, clock, tel)
	if err := st.Init(ctx); err != nil {
		osutil.Fatal("init database", err)
	}

	return &globals.Value{
		Config:  cfg,
		Clock:   clock,
		Tel:     tel,
		Store:   st,
		Limiter: ratelimit.New(cfg.RateIntervalDuration),
		Otel:    otel,
	}
}

func teardown(value *globals.Value) {
	if err := value.Store.Close(); err != nil {
		slog.Warn("close database", "err", err)
	}
	if err := value.Otel.Shutdown(context.Background()); err != nil {
		slog.Warn("shutdown telemetry", "err", err)
	}
}

func Execute() {
	ctx, cancel := osutil.SignalContext()
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
