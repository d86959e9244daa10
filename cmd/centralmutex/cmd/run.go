package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	centralmutex "github.com/ozanturksever/go-centralmutex"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulation",
	Long: `Start a simulated fleet of processes sharing one resource.

The simulation will:
- Spawn processes with random ids; the first becomes coordinator
- Periodically kill the coordinator so a waiting process takes over
- Ask random idle processes to acquire, use and release the resource
- Optionally publish an audit trail and answer health queries over NATS

Example:
  centralmutex run --addr 127.0.0.1:8000
  centralmutex run --embed-nats --metrics-addr :9090
  centralmutex run --config /etc/centralmutex/config.yaml`,
	RunE: runSimulation,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("addr", centralmutex.DefaultAddress, "Coordinator endpoint (host:port)")
	f.Duration("usage-min", centralmutex.DefaultUsageMin, "Minimum resource usage time")
	f.Duration("usage-max", centralmutex.DefaultUsageMax, "Maximum resource usage time")
	f.Duration("read-timeout", centralmutex.DefaultReadTimeout, "Wait for the coordinator's first response")
	f.Duration("poll-interval", centralmutex.DefaultPollInterval, "Coordinator dispatch polling interval")
	f.Duration("retry-backoff", centralmutex.DefaultRetryBackoff, "Pause after losing a promotion race")
	f.Duration("spawn-interval", centralmutex.DefaultSpawnInterval, "Process creation interval (negative disables)")
	f.Duration("crash-interval", centralmutex.DefaultCoordinatorCrashInterval, "Coordinator kill interval (negative disables)")
	f.Duration("remove-interval", centralmutex.DefaultRemoveInterval, "Idle process removal interval (negative disables)")
	f.Duration("access-min", centralmutex.DefaultAccessIntervalMin, "Minimum pause between access triggers")
	f.Duration("access-max", centralmutex.DefaultAccessIntervalMax, "Maximum pause between access triggers")
	f.Duration("status-interval", centralmutex.DefaultStatusInterval, "Status publication interval")
	f.Int("max-pid", centralmutex.DefaultMaxProcessID, "Process ids are drawn from [0, max-pid)")
	f.String("health-addr", "", "Health check HTTP address (empty disables)")
	f.String("metrics-addr", "", "Prometheus metrics HTTP address (empty disables)")
	f.String("nats-creds", "", "NATS credentials file")
	f.Bool("embed-nats", false, "Run an embedded NATS server with JetStream")
	f.Int("embed-nats-port", -1, "Embedded NATS port (-1 picks a random port)")
	f.String("embed-nats-dir", "", "Embedded JetStream store directory (default: temp dir)")

	for flag, key := range map[string]string{
		"addr":            "addr",
		"usage-min":       "usage_min",
		"usage-max":       "usage_max",
		"read-timeout":    "read_timeout",
		"poll-interval":   "poll_interval",
		"retry-backoff":   "retry_backoff",
		"spawn-interval":  "spawn_interval",
		"crash-interval":  "crash_interval",
		"remove-interval": "remove_interval",
		"access-min":      "access_min",
		"access-max":      "access_max",
		"status-interval": "status_interval",
		"max-pid":         "max_pid",
		"health-addr":     "health_addr",
		"metrics-addr":    "metrics_addr",
		"nats-creds":      "nats_creds",
		"embed-nats":      "embed_nats",
		"embed-nats-port": "embed_nats_port",
		"embed-nats-dir":  "embed_nats_dir",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func configFromViper() centralmutex.Config {
	return centralmutex.Config{
		ClusterID:                getClusterID(),
		NodeID:                   getNodeID(),
		Address:                  viper.GetString("addr"),
		UsageMin:                 viper.GetDuration("usage_min"),
		UsageMax:                 viper.GetDuration("usage_max"),
		ReadTimeout:              viper.GetDuration("read_timeout"),
		PollInterval:             viper.GetDuration("poll_interval"),
		RetryBackoff:             viper.GetDuration("retry_backoff"),
		SpawnInterval:            viper.GetDuration("spawn_interval"),
		CoordinatorCrashInterval: viper.GetDuration("crash_interval"),
		RemoveInterval:           viper.GetDuration("remove_interval"),
		AccessIntervalMin:        viper.GetDuration("access_min"),
		AccessIntervalMax:        viper.GetDuration("access_max"),
		StatusInterval:           viper.GetDuration("status_interval"),
		MaxProcessID:             viper.GetInt("max_pid"),
		NATSURL:                  getNATSURL(),
		NATSCredentials:          viper.GetString("nats_creds"),
		MetricsAddr:              viper.GetString("metrics_addr"),
		HealthAddr:               viper.GetString("health_addr"),
	}
}

func runSimulation(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg := configFromViper()
	cfg.Logger = logger

	if viper.GetBool("embed_nats") {
		ns, err := startEmbeddedNATS(viper.GetInt("embed_nats_port"), viper.GetString("embed_nats_dir"))
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		cfg.NATSURL = ns.ClientURL()
	}

	sim, err := centralmutex.NewSimulation(cfg)
	if err != nil {
		return fmt.Errorf("failed to create simulation: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting centralmutex simulation...")
	fmt.Printf("  Cluster:      %s\n", cfg.WithDefaults().ClusterID)
	fmt.Printf("  Node ID:      %s\n", cfg.NodeID)
	fmt.Printf("  Coordinator:  %s\n", cfg.Address)
	if cfg.NATSURL != "" {
		fmt.Printf("  NATS URL:     %s\n", cfg.NATSURL)
	}
	if cfg.HealthAddr != "" {
		fmt.Printf("  Health:       %s\n", cfg.HealthAddr)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:      %s\n", cfg.MetricsAddr)
	}
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("simulation error: %w", err)
	}

	fmt.Println("Simulation stopped.")
	return nil
}

func startEmbeddedNATS(port int, dir string) (*server.Server, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "centralmutex-nats-")
		if err != nil {
			return nil, fmt.Errorf("create JetStream store dir: %w", err)
		}
		dir = tmp
	}

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  dir,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready")
	}
	return ns, nil
}
