package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database and event log statistics",
		Run:   runStats,
	}

	nsCmd := &cobra.Command{
		Use:   "ns",
		Short: "Namespace management",
	}
	nsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all namespaces",
		Run:   runNSList,
	})

	RootCmd.AddCommand(statsCmd, nsCmd)
}

func runStats(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	memories, err := h.Store.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	evs, err := h.Bus.Stats(cmd.Context())
	if err != nil {
		exitErr("event stats", err)
	}
	printJSON(map[string]any{
		"memories": memories,
		"events":   evs,
	})
}

func runNSList(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	st, err := h.Store.Stats(cmd.Context())
	if err != nil {
		exitErr("list namespaces", err)
	}
	printJSON(st.Namespaces)
}
