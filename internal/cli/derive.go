package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "derive [content]",
		Short: "Create a memory from an existing one",
		Long: "Create a memory derived from a source memory (a summary, a refinement). " +
			"The new record's provenance chain is the source chain plus this step.",
		Run: runDerive,
	}

	cmd.Flags().String("from-ns", "", "Source namespace (required)")
	cmd.Flags().String("from-key", "", "Source key (required)")
	cmd.Flags().StringP("ns", "n", "", "Target namespace (default: source namespace)")
	cmd.Flags().StringP("key", "k", "", "Target key (required)")
	cmd.Flags().StringP("op", "o", "summarization", "Derivation operation")
	cmd.Flags().String("kind", "semantic", "Kind: semantic, episodic, procedural")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("priority", "p", "normal", "Priority: low, normal, high, critical")

	cmd.MarkFlagRequired("from-ns")
	cmd.MarkFlagRequired("from-key")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runDerive(cmd *cobra.Command, args []string) {
	fromNS, _ := cmd.Flags().GetString("from-ns")
	fromKey, _ := cmd.Flags().GetString("from-key")
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	op, _ := cmd.Flags().GetString("op")
	kind, _ := cmd.Flags().GetString("kind")
	tagsStr, _ := cmd.Flags().GetString("tags")
	priority, _ := cmd.Flags().GetString("priority")

	content, err := readContent(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if content == "" {
		exitErr("derive", fmt.Errorf("content is required (positional arg or stdin)"))
	}
	if ns == "" {
		ns = fromNS
	}

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	mem, err := h.Store.Derive(agentContext(cmd.Context()), store.DeriveParams{
		SourceNS:  fromNS,
		SourceKey: fromKey,
		NS:        ns,
		Key:       key,
		Content:   content,
		Operation: op,
		Kind:      kind,
		Tags:      splitList(tagsStr),
		Priority:  priority,
	})
	if err != nil {
		exitErr("derive", err)
	}
	printJSON(mem)
}
