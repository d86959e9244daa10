// Package cmd provides the CLI commands for centralmutex.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	natsURL   string
	nodeID    string
	clusterID string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "centralmutex",
	Short: "Centralized mutual exclusion with coordinator takeover",
	Long: `centralmutex simulates a fleet of processes sharing one resource through
a central coordinator over TCP:
  - Requests are queued FIFO and granted one at a time
  - A requester that loses the coordinator promotes itself
  - The coordinator endpoint bind decides promotion races
  - Optional NATS audit trail, health queries and Prometheus metrics

Use centralmutex to run a simulation and inspect it.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.centralmutex.yaml)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "", "NATS server URL (empty disables NATS)")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node", "", "Node ID (default: hostname)")
	rootCmd.PersistentFlags().StringVarP(&clusterID, "cluster", "c", "", "Cluster ID (default: centralmutex)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	_ = viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	_ = viper.BindPFlag("node_id", rootCmd.PersistentFlags().Lookup("node"))
	_ = viper.BindPFlag("cluster_id", rootCmd.PersistentFlags().Lookup("cluster"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	_ = viper.BindEnv("nats_url", "NATS_URL")
	_ = viper.BindEnv("node_id", "NODE_ID")
	_ = viper.BindEnv("cluster_id", "CLUSTER_ID")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/centralmutex")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".centralmutex")
	}

	viper.SetEnvPrefix("CENTRALMUTEX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// getNATSURL returns the NATS URL from flag or config.
func getNATSURL() string {
	if natsURL != "" {
		return natsURL
	}
	return viper.GetString("nats_url")
}

// getNodeID returns the node ID from flag, config, or hostname.
func getNodeID() string {
	if nodeID != "" {
		return nodeID
	}
	if id := viper.GetString("node_id"); id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return hostname
}

// getClusterID returns the cluster ID from flag or config.
func getClusterID() string {
	if clusterID != "" {
		return clusterID
	}
	return viper.GetString("cluster_id")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose || viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
