package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete a memory",
		Long: "Delete the latest version of a memory (or every version) and print the memory_deleted event. " +
			"Soft delete unless --hard. Deleting a record within the quick-delete window lowers the deleter's trust.",
		Run: runRm,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (required)")
	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().Bool("all-versions", false, "Delete all versions")
	cmd.Flags().Bool("hard", false, "Permanent delete (irreversible)")

	cmd.MarkFlagRequired("ns")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

type rmResult struct {
	NS          string `json:"ns"`
	Key         string `json:"key"`
	ID          string `json:"id"`
	Version     int    `json:"version"`
	CreatedBy   string `json:"created_by"`
	EventID     int64  `json:"event_id,omitempty"`
	QuickDelete bool   `json:"quick_delete"`
}

func runRm(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	allVersions, _ := cmd.Flags().GetBool("all-versions")
	hard, _ := cmd.Flags().GetBool("hard")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	ctx := agentContext(cmd.Context())
	latest, err := h.Store.Get(ctx, store.GetParams{NS: ns, Key: key})
	if err != nil {
		exitErr("rm", err)
	}
	head, err := h.Bus.Head(ctx)
	if err != nil {
		exitErr("rm", err)
	}

	err = h.Store.Rm(ctx, store.RmParams{
		NS:          ns,
		Key:         key,
		AllVersions: allVersions,
		Hard:        hard,
	})
	if err != nil {
		exitErr("rm", err)
	}

	m := latest[0]
	res := rmResult{NS: ns, Key: key, ID: m.ID, Version: m.Version, CreatedBy: m.CreatedBy}
	evs, err := h.Bus.Query(ctx, events.Filter{
		Types:   []model.EventType{model.EventMemoryDeleted},
		Subject: m.ID,
		SinceID: head,
	})
	if err == nil && len(evs) > 0 {
		ev := evs[len(evs)-1]
		res.EventID = ev.ID
		res.QuickDelete = ev.CreatedAt.Sub(m.CreatedAt) <= cfg.Trust.QuickDeleteWindow
	}
	printJSON(res)
	if res.QuickDelete {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: deleted within %s of creation; counts as a quick delete for %s\n",
			cfg.Trust.QuickDeleteWindow, store.OriginFrom(ctx).AgentID)
	}
}
