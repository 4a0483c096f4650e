package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one retention pass over the event log",
		Long: "Re-tier events by age and importance, fold dropped events into daily aggregates and delete them. " +
			"Events not yet delivered to every durable subscriber and consumer are never deleted.",
		Run: runCompact,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Run: func(cmd *cobra.Command, args []string) {
			b, err := yaml.Marshal(cfg)
			if err != nil {
				exitErr("config", err)
			}
			cmd.OutOrStdout().Write(b)
		},
	}

	RootCmd.AddCommand(compactCmd, configCmd)
}

func runCompact(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	res, err := h.Bus.Compact(cmd.Context())
	if err != nil {
		exitErr("compact", err)
	}
	printJSON(res)
}
