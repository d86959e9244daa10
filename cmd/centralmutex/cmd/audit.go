package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	centralmutex "github.com/ozanturksever/go-centralmutex"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List coordination events from the audit stream",
	Long: `Read requests, grants, releases, promotions and process events that a
simulation recorded in its JetStream audit stream.

Example:
  centralmutex audit --since 10m --category coordinator
  centralmutex audit --process 417 --json`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	f := auditCmd.Flags()
	f.Duration("since", time.Hour, "Only show entries newer than this")
	f.String("category", "", "Filter by category (request, grant, release, coordinator, process)")
	f.String("action", "", "Filter by action")
	f.Int("process", -1, "Filter by process id")
	f.Bool("json", false, "Print entries as JSON lines")
}

func runAudit(cmd *cobra.Command, args []string) error {
	nc, err := connectNATS()
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	audit := centralmutex.NewAudit(centralmutex.Config{ClusterID: getClusterID(), NodeID: getNodeID()}, nc)
	if err := audit.Start(ctx); err != nil {
		return err
	}

	since, _ := cmd.Flags().GetDuration("since")
	category, _ := cmd.Flags().GetString("category")
	action, _ := cmd.Flags().GetString("action")
	pid, _ := cmd.Flags().GetInt("process")
	asJSON, _ := cmd.Flags().GetBool("json")

	filter := centralmutex.AuditFilter{
		Since:    time.Now().Add(-since),
		Category: category,
		Action:   action,
	}
	if pid >= 0 {
		id := centralmutex.ProcessID(pid)
		filter.ProcessID = &id
	}

	entries, err := audit.Query(ctx, filter)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNODE\tPROCESS\tEVENT\tDATA")
	for _, e := range entries {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s.%s\t%s\n",
			e.Timestamp.Format(time.TimeOnly), e.NodeID, e.ProcessID, e.Category, e.Action, data)
	}
	return w.Flush()
}
