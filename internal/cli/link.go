package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Create or remove relations between memories",
		Long: "Create or remove a relation between the latest versions of two memories. The result names " +
			"the graph_updated event id and the target's author; an added contradicts link lowers that author's trust.",
		Run: runLink,
	}

	cmd.Flags().String("from-ns", "", "Source namespace")
	cmd.Flags().String("from-key", "", "Source key")
	cmd.Flags().String("to-ns", "", "Target namespace")
	cmd.Flags().String("to-key", "", "Target key")
	cmd.Flags().StringP("rel", "r", "", "Relation: relates_to, contradicts, depends_on, refines")
	cmd.Flags().Bool("rm", false, "Remove the link")

	cmd.MarkFlagRequired("from-ns")
	cmd.MarkFlagRequired("from-key")
	cmd.MarkFlagRequired("to-ns")
	cmd.MarkFlagRequired("to-key")
	cmd.MarkFlagRequired("rel")

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) {
	fromNS, _ := cmd.Flags().GetString("from-ns")
	fromKey, _ := cmd.Flags().GetString("from-key")
	toNS, _ := cmd.Flags().GetString("to-ns")
	toKey, _ := cmd.Flags().GetString("to-key")
	rel, _ := cmd.Flags().GetString("rel")
	rm, _ := cmd.Flags().GetBool("rm")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	link, err := h.Store.Link(agentContext(cmd.Context()), store.LinkParams{
		FromNS:  fromNS,
		FromKey: fromKey,
		ToNS:    toNS,
		ToKey:   toKey,
		Rel:     rel,
		Remove:  rm,
	})
	if err != nil {
		exitErr("link", err)
	}
	printJSON(link)
	if link.Rel == store.RelContradicts && link.Action == "added" {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: contradiction recorded against %s\n", link.ToAuthor)
	}
}
