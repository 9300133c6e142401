package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skela-systems/modelgw/pkg/config"
	"github.com/skela-systems/modelgw/pkg/gateway"
	"github.com/skela-systems/modelgw/pkg/kv"
	"github.com/skela-systems/modelgw/pkg/registry"
	"github.com/skela-systems/modelgw/pkg/usage"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Optional .env for local development; a missing file is fine.
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Warn("could not load .env", "error", err)
			}

			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			store := config.NewStore(serveConfigPath, cfg)

			reg, err := registry.Open(cfg.RegistryPath)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer reg.Close()

			kvs, err := kv.OpenSQLite(cfg.KVPath)
			if err != nil {
				return fmt.Errorf("open kv store: %w", err)
			}
			defer kvs.Close()

			archive, err := usage.OpenArchive(cfg.UsageArchiveDir)
			if err != nil {
				return fmt.Errorf("open usage archive: %w", err)
			}
			defer archive.Close()

			stats := usage.NewStatsStore(0)
			recorder := usage.NewRecorder(reg, kvs, stats, archive, 0)

			srv := gateway.NewServer(store, reg, kvs, recorder)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go logUsageSummary(ctx, stats)

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}

// logUsageSummary emits a periodic rollup line so operators can watch traffic
// without any reporting surface.
func logUsageSummary(ctx context.Context, stats *usage.StatsStore) {
	const interval = 10 * time.Minute
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sum := stats.Summary(interval)
			if sum.Requests == 0 {
				continue
			}
			log.Info("usage summary",
				"window", interval,
				"requests", sum.Requests,
				"total_tokens", sum.TotalTokens,
				"avg_latency_ms", fmt.Sprintf("%.0f", sum.AvgLatencyMS))
		}
	}
}
