package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import exported memories",
		Long: "Import the JSON produced by export from stdin in one transaction. Each record is written " +
			"by the calling agent and its provenance chain gains an import step naming the original id.",
		Run: runImport,
	}

	RootCmd.AddCommand(cmd)
}

type importedRecord struct {
	ID         string  `json:"id"`
	Ref        string  `json:"ref"`
	Version    int     `json:"version"`
	SourceID   string  `json:"source_id,omitempty"`
	TrustScore float64 `json:"trust_score"`
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var memories []model.Memory
	if err := json.Unmarshal(data, &memories); err != nil {
		exitErr("parse json", err)
	}

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	ctx := agentContext(cmd.Context())
	imported, err := h.Store.Import(ctx, memories)
	if err != nil {
		exitErr("import", err)
	}

	records := lo.Map(imported, func(m *model.Memory, _ int) importedRecord {
		r := importedRecord{ID: m.ID, Ref: m.NS + "/" + m.Key, Version: m.Version, TrustScore: m.TrustScore}
		if n := len(m.Provenance); n > 0 {
			r.SourceID = m.Provenance[n-1].SourceID
		}
		return r
	})
	printJSON(map[string]any{
		"imported": len(records),
		"agent":    store.OriginFrom(ctx).AgentID,
		"records":  records,
	})
}
