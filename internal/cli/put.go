package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin. Emits memory_created or memory_updated.",
		Run:   runPut,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (required)")
	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().String("kind", "semantic", "Kind: semantic, episodic, procedural")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("priority", "p", "normal", "Priority: low, normal, high, critical")
	cmd.Flags().IntP("importance", "i", -1, "Importance 0-10 (default: derived from priority)")
	cmd.Flags().String("meta", "", "JSON metadata")

	cmd.MarkFlagRequired("ns")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	kind, _ := cmd.Flags().GetString("kind")
	tagsStr, _ := cmd.Flags().GetString("tags")
	priority, _ := cmd.Flags().GetString("priority")
	importance, _ := cmd.Flags().GetInt("importance")
	meta, _ := cmd.Flags().GetString("meta")

	content, err := readContent(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if content == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	p := store.PutParams{
		NS:       ns,
		Key:      key,
		Content:  content,
		Kind:     kind,
		Tags:     splitList(tagsStr),
		Priority: priority,
		Meta:     meta,
	}
	if cmd.Flags().Changed("importance") {
		p.Importance = &importance
	}

	mem, err := h.Store.Put(agentContext(cmd.Context()), p)
	if err != nil {
		exitErr("put", err)
	}
	printJSON(mem)
}

// readContent takes the positional args, or stdin when it is piped.
func readContent(args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", nil
}
