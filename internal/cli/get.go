package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a memory without recording a recall",
		Run:   runGet,
	}
	getCmd.Flags().StringP("ns", "n", "", "Namespace (required)")
	getCmd.Flags().StringP("key", "k", "", "Key (required)")
	getCmd.Flags().Bool("history", false, "Return all versions (newest first)")
	getCmd.Flags().IntP("version", "v", 0, "Specific version number")
	getCmd.MarkFlagRequired("ns")
	getCmd.MarkFlagRequired("key")

	recallCmd := &cobra.Command{
		Use:   "recall",
		Short: "Retrieve the latest version and record the recall",
		Long:  "Retrieve the latest version of a memory, bump its access count and emit memory_recalled.",
		Run:   runRecall,
	}
	recallCmd.Flags().StringP("ns", "n", "", "Namespace (required)")
	recallCmd.Flags().StringP("key", "k", "", "Key (required)")
	recallCmd.MarkFlagRequired("ns")
	recallCmd.MarkFlagRequired("key")

	RootCmd.AddCommand(getCmd, recallCmd)
}

func runGet(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	history, _ := cmd.Flags().GetBool("history")
	version, _ := cmd.Flags().GetInt("version")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	memories, err := h.Store.Get(cmd.Context(), store.GetParams{
		NS:      ns,
		Key:     key,
		History: history,
		Version: version,
	})
	if err != nil {
		exitErr("get", err)
	}

	if history || len(memories) > 1 {
		printJSON(memories)
	} else {
		printJSON(memories[0])
	}
}

func runRecall(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	mem, err := h.Store.Recall(agentContext(cmd.Context()), ns, key)
	if err != nil {
		exitErr("recall", err)
	}
	printJSON(mem)
}
