// Ballcone - a lightweight web analytics collector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ballcone/ballcone/src/internal/core"
	"github.com/ballcone/ballcone/src/internal/dao"
	"github.com/ballcone/ballcone/src/internal/debugtcp"
	"github.com/ballcone/ballcone/src/internal/geoip"
	"github.com/ballcone/ballcone/src/internal/httpapi"
	"github.com/ballcone/ballcone/src/internal/syslogd"
)

var (
	// Version is stamped at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ballcone",
		Short: "Ballcone web analytics collector",
		Long: `Ballcone receives nginx access log events over syslog,
stages and persists them in an embedded DuckDB database, and serves a
dashboard, a JSON query API, a SQL console, and a raw-SQL debug port.`,
		RunE:    run,
		Version: Version,
	}

	rootCmd.Flags().String("config", "", "Config file path")
	rootCmd.Flags().String("syslog-listen", "127.0.0.1:65140", "Syslog UDP listen address")
	rootCmd.Flags().String("http-listen", "127.0.0.1:8080", "HTTP dashboard/API listen address")
	rootCmd.Flags().String("debug-listen", "127.0.0.1:65141", "Raw-SQL debug TCP listen address")
	rootCmd.Flags().String("db", "ballcone.duckdb", "Path to the DuckDB database file (\":memory:\" for ephemeral)")
	rootCmd.Flags().String("geoip-db", "", "Path to a MaxMind GeoLite2 Country .mmdb file (optional)")
	rootCmd.Flags().Duration("persist-period", 5*time.Second, "Staging-queue flush period")
	rootCmd.Flags().Int("top-limit", 5, "Default number of groups to keep in top-N queries")
	rootCmd.Flags().Int("dashboard-days", 7, "Number of trailing days shown on a service's overview page")
	rootCmd.Flags().StringSlice("cors-origins", []string{"*"}, "CORS allowed origins for the HTTP API")
	rootCmd.Flags().Bool("debug", false, "Enable debug logging")

	viper.BindPFlags(rootCmd.Flags())
	viper.SetEnvPrefix("BALLCONE")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if viper.GetBool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	log.Info().Str("version", Version).Str("build_time", BuildTime).Msg("starting Ballcone")

	d, err := dao.Open(viper.GetString("db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer d.Close()

	var geo *geoip.Resolver
	if path := viper.GetString("geoip-db"); path != "" {
		geo, err = geoip.Open(path)
		if err != nil {
			return fmt.Errorf("opening GeoIP database: %w", err)
		}
		defer geo.Close()
	}

	c := core.New(d, core.Config{
		TopLimit:      viper.GetInt("top-limit"),
		PersistPeriod: viper.GetDuration("persist-period"),
	}, prometheus.DefaultRegisterer)

	syslogListener, err := syslogd.Listen(viper.GetString("syslog-listen"), c, geo, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("starting syslog listener: %w", err)
	}
	defer syslogListener.Close()

	debugListener, err := debugtcp.Listen(viper.GetString("debug-listen"), d)
	if err != nil {
		return fmt.Errorf("starting debug listener: %w", err)
	}
	defer debugListener.Close()

	httpapi.Version = Version
	webServer, err := httpapi.New(httpapi.Config{
		Listen:        viper.GetString("http-listen"),
		CORSOrigins:   viper.GetStringSlice("cors-origins"),
		DashboardDays: viper.GetInt("dashboard-days"),
	}, c)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := syslogListener.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("syslog listener stopped")
		}
	}()
	go func() {
		if err := debugListener.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("debug listener stopped")
		}
	}()
	if err := webServer.Start(ctx); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	go c.PersistTimer(ctx)

	log.Info().
		Str("syslog", syslogListener.Addr().String()).
		Str("debug", debugListener.Addr().String()).
		Str("http", viper.GetString("http-listen")).
		Msg("Ballcone ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := webServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down HTTP server")
	}

	c.Persist(shutdownCtx)

	log.Info().Msg("Ballcone stopped")
	return nil
}
