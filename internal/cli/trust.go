package cli

import (
	"math"

	"github.com/spf13/cobra"
)

func init() {
	trustCmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect trust scores and their signal trail",
	}

	signalsCmd := &cobra.Command{
		Use:   "signals [agent-id]",
		Short: "List an agent's trust signals, oldest first",
		Args:  cobra.ExactArgs(1),
		Run:   runTrustSignals,
	}
	signalsCmd.Flags().IntP("limit", "l", 0, "Only the most recent N signals")

	trustCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Score distribution and signal counts",
			Run:   runTrustStats,
		},
		signalsCmd,
		&cobra.Command{
			Use:   "verify [agent-id]",
			Short: "Replay an agent's signals and compare with the stored score",
			Args:  cobra.ExactArgs(1),
			Run:   runTrustVerify,
		},
	)
	RootCmd.AddCommand(trustCmd)
}

func runTrustStats(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	st, err := h.Trust.Stats(cmd.Context())
	if err != nil {
		exitErr("trust stats", err)
	}
	printJSON(st)
}

func runTrustSignals(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	sigs, err := h.Trust.Signals(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("trust signals", err)
	}
	score, _ := h.Trust.TrustScore(args[0])
	printJSON(map[string]any{
		"agent_id":    args[0],
		"trust_score": score,
		"signals":     sigs,
	})
}

func runTrustVerify(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	stored, folded, err := h.Trust.Verify(cmd.Context(), args[0])
	if err != nil {
		exitErr("trust verify", err)
	}
	printJSON(map[string]any{
		"agent_id": args[0],
		"stored":   stored,
		"replayed": folded,
		"ok":       math.Abs(stored-folded) < 1e-9,
	})
}
