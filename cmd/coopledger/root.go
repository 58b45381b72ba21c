package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/coop-ledger/api"
	"github.com/warp/coop-ledger/config"
	"github.com/warp/coop-ledger/ledger"
	"github.com/warp/coop-ledger/metrics"
	"github.com/warp/coop-ledger/store/sqlite"
)

// app is the state shared by every sub-command once configuration is loaded.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logrus.Logger
}

// rootCommand creates the root command and its sub-commands.
func rootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "coopledger",
		Short:         "Append-only ledgers for farmer cooperatives",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "", "Directory holding one SQLite file per cooperative")
	flags.StringSlice("coops", nil, "Cooperative ids to open")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: json or text")
	for key, flag := range map[string]string{
		"data_dir":   "data-dir",
		"coops":      "coops",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		// Only flags set on the command line override the other sources.
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.initialize()
	}

	rootCmd.AddCommand(
		serveCommand(a),
		migrateCommand(a),
		checkCommand(a),
	)
	return rootCmd
}

// initialize loads the configuration and builds the logger.
func (a *app) initialize() error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// openTenants opens (and migrates) the database of every configured
// cooperative. m may be nil.
func (a *app) openTenants(m *metrics.Metrics) (*api.Tenants, error) {
	if err := a.cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tenants := api.NewTenants(a.log)
	for _, id := range a.cfg.Coops {
		s, err := sqlite.New(a.cfg.DBPath(id), sqlite.WithLogger(a.log.WithField("coop", id)))
		if err != nil {
			tenants.Close()
			return nil, fmt.Errorf("open cooperative %s: %w", id, err)
		}
		var rec ledger.Recorder
		if m != nil {
			rec = m.ForCoop(id)
		}
		_, err = tenants.Add(id, s, rec)
		if err != nil {
			s.Close()
			tenants.Close()
			return nil, err
		}
	}
	return tenants, nil
}
