package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	centralmutex "github.com/ozanturksever/go-centralmutex"
	"github.com/ozanturksever/go-centralmutex/health"
)

var statusCmd = &cobra.Command{
	Use:   "status [node]",
	Short: "Show the status of a running simulation",
	Long: `Query a running simulation over NATS for its coordinator, resource
holder and process count. The node defaults to --node or the hostname.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw response")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Query timeout")
}

func connectNATS() (*nats.Conn, error) {
	url := getNATSURL()
	if url == "" {
		return nil, fmt.Errorf("NATS URL is required (use --nats or set NATS_URL)")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	nc, err := connectNATS()
	if err != nil {
		return err
	}
	defer nc.Close()

	cluster := centralmutex.Config{ClusterID: getClusterID()}.WithDefaults().ClusterID
	target := getNodeID()
	if len(args) == 1 {
		target = args[0]
	}

	checker, err := health.NewChecker(health.Config{
		ClusterID: cluster,
		NodeID:    "cli",
		Conn:      nc,
		Logger:    newLogger(),
	})
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	resp, err := checker.QueryNode(context.Background(), target, timeout)
	if err != nil {
		return fmt.Errorf("query %s: %w", target, err)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Cluster:\t%s\n", cluster)
	fmt.Fprintf(w, "Node:\t%s\n", resp.NodeID)
	fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "Coordinator:\t%s\n", optionalID(resp.Coordinator))
	fmt.Fprintf(w, "Holder:\t%s\n", optionalID(resp.Holder))
	fmt.Fprintf(w, "Processes:\t%d\n", resp.Processes)
	if q, ok := resp.Custom["queueLength"]; ok {
		fmt.Fprintf(w, "Queue:\t%v\n", q)
	}
	return w.Flush()
}

func optionalID(id *int) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprint(*id)
}
