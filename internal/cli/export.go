package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories with provenance as JSON",
		Long: "Export every live version as a JSON array, provenance chain included. " +
			"Filter by namespace, author, or the trust score stamped at write time.",
		Run: runExport,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().String("by", "", "Only records created by this agent")
	cmd.Flags().Float64("min-trust", 0, "Only records stamped at or above this trust score")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	by, _ := cmd.Flags().GetString("by")
	minTrust, _ := cmd.Flags().GetFloat64("min-trust")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	memories, err := h.Store.ExportAll(cmd.Context(), store.ExportParams{
		NS:        ns,
		CreatedBy: by,
		MinTrust:  minTrust,
	})
	if err != nil {
		exitErr("export", err)
	}
	printJSON(memories)
}
