// Command leasekeeperd is a thin operator CLI over the lease coordinator.
// It owns exactly the ambient concerns the coordinator itself stays
// agnostic to: reading configuration from file/env/flags, opening the
// store connection, and formatting results for a terminal. Serving these
// operations over HTTP is the request router's job, deliberately left out.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leasekeeper/coordinator"
	"leasekeeper/internal/config"
	"leasekeeper/internal/logger"
	"leasekeeper/internal/metrics"
	"leasekeeper/store"
)

var v = viper.New()

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "leasekeeperd",
		Short: "Operate the pool entity lease coordinator",
	}

	root.PersistentFlags().String("store-connection", "", "directory store connection URI")
	root.PersistentFlags().Int("store-pool-size", 10, "max pooled store connections")
	root.PersistentFlags().Int("default-max-retries", 10, "default max_retries when a caller passes <= 0")
	root.PersistentFlags().Float64("max-retry-wait-seconds", 10, "ceiling for the exponential backoff term")
	root.PersistentFlags().Float64("max-backoff-seconds", 15, "absolute ceiling on any single backoff sleep")
	root.PersistentFlags().String("log-level", "info", "logrus level: debug, info, warn, error")

	_ = v.BindPFlags(root.PersistentFlags())
	v.SetEnvPrefix("LEASEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetConfigName("leasekeeperd")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/leasekeeperd")
	_ = v.ReadInConfig() // config file is optional; flags/env still apply

	root.AddCommand(newMigrateCmd(), newAcquireCmd(), newReleaseCmd(), newAvailabilityCmd(), newMetricsCmd())
	return root
}

func loadConfig() config.Config {
	cfg := config.Default()
	if s := v.GetString("store-connection"); s != "" {
		cfg.StoreConnection = s
	}
	if n := v.GetInt("store-pool-size"); n > 0 {
		cfg.StorePoolSize = n
	}
	if n := v.GetInt("default-max-retries"); n > 0 {
		cfg.DefaultMaxRetries = n
	}
	if f := v.GetFloat64("max-retry-wait-seconds"); f > 0 {
		cfg.MaxRetryWaitSeconds = f
	}
	if f := v.GetFloat64("max-backoff-seconds"); f > 0 {
		cfg.MaxBackoffSeconds = f
	}
	return cfg
}

func configureLogging() {
	lvl, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

func newStore(ctx context.Context, cfg config.Config) (*store.PostgresStore, *pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.StoreConnection)
	if err != nil {
		return nil, nil, fmt.Errorf("parse store-connection: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.StorePoolSize)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to store: %w", err)
	}
	if cfg.StorePoolPrePing {
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping store: %w", err)
		}
	}
	return store.NewPostgresStore(pool), pool, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the entities/executions tables and indexes if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			cfg := loadConfig()
			ctx := cmd.Context()
			st, pool, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return st.EnsureSchema(ctx)
		},
	}
}

// parseRoles turns "client=2,vendor=1" into {"client":2,"vendor":1}.
func parseRoles(spec string) (map[string]int, error) {
	out := map[string]int{}
	if strings.TrimSpace(spec) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid role spec %q, want role=count", pair)
		}
		count, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid count in %q: %w", pair, err)
		}
		out[strings.TrimSpace(kv[0])] = count
	}
	return out, nil
}

func newAcquireCmd() *cobra.Command {
	var execID, roles string
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Atomically lease entities across one or more roles for an execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			cfg := loadConfig()
			ctx := cmd.Context()
			st, pool, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			requestedRoles, err := parseRoles(roles)
			if err != nil {
				return err
			}
			if execID == "" {
				execID = uuid.NewString()
			}

			coord := coordinator.New(st, cfg)
			start := time.Now()
			grant, err := coord.Acquire(ctx, execID, requestedRoles, maxRetries)
			if err != nil {
				return err
			}
			acquiredAt := start.UTC()
			if ex, err := coord.GetExecution(ctx, execID); err == nil && ex.AcquiredAt != nil {
				acquiredAt = ex.AcquiredAt.UTC()
			}

			return printJSON(map[string]interface{}{
				"exec_id":     execID,
				"acquired_at": acquiredAt,
				"entities":    grant.ByRole,
			})
		},
	}
	cmd.Flags().StringVar(&execID, "exec-id", "", "execution id (generated if omitted)")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated role=count pairs, e.g. client=2,vendor=1")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "max attempts before giving up (0 = use default)")
	_ = cmd.MarkFlagRequired("roles")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var execID string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release every entity leased to an execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			cfg := loadConfig()
			ctx := cmd.Context()
			st, pool, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			coord := coordinator.New(st, cfg)
			n, err := coord.Release(ctx, execID)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"exec_id": execID, "released_count": n})
		},
	}
	cmd.Flags().StringVar(&execID, "exec-id", "", "execution id to release")
	_ = cmd.MarkFlagRequired("exec-id")
	return cmd
}

func newAvailabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "availability",
		Short: "Report unleased, healthy entity counts by role",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			cfg := loadConfig()
			ctx := cmd.Context()
			st, pool, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			coord := coordinator.New(st, cfg)
			avail, err := coord.Availability(ctx)
			if err != nil {
				return err
			}
			return printJSON(avail)
		},
	}
}

// newMetricsCmd refreshes the availability gauge with one live query, then
// dumps every registered collector in Prometheus text-exposition format.
// There is no HTTP /metrics endpoint in this tree (that's the request
// router's job); this subcommand is the CLI-native equivalent of a single
// scrape, letting an operator pipe a process's counters/gauges to a file or
// into node_exporter's textfile collector.
func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print current lease coordinator metrics in Prometheus text format",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			cfg := loadConfig()
			ctx := cmd.Context()
			st, pool, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			coord := coordinator.New(st, cfg)
			if _, err := coord.Availability(ctx); err != nil {
				return err
			}

			families, err := metrics.Registry().Gather()
			if err != nil {
				return fmt.Errorf("gather metrics: %w", err)
			}
			enc := expfmt.NewEncoder(os.Stdout, expfmt.FmtText)
			for _, mf := range families {
				if err := enc.Encode(mf); err != nil {
					return fmt.Errorf("encode metrics: %w", err)
				}
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
