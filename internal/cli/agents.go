package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and administer the agent registry",
	}

	agentsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered agents, most recently seen first",
			Run:   runAgentsList,
		},
		&cobra.Command{
			Use:   "get [agent-id]",
			Short: "Show one agent",
			Args:  cobra.ExactArgs(1),
			Run:   runAgentsGet,
		},
		&cobra.Command{
			Use:   "rm [agent-id]",
			Short: "Remove an agent record; its trust signals are kept",
			Args:  cobra.ExactArgs(1),
			Run:   runAgentsRm,
		},
	)
	RootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	agents, err := h.Agents.List(cmd.Context())
	if err != nil {
		exitErr("list agents", err)
	}
	printJSON(agents)
}

func runAgentsGet(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	agent, err := h.Agents.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get agent", err)
	}
	printJSON(agent)
}

func runAgentsRm(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	if err := h.Agents.Delete(agentContext(cmd.Context()), args[0]); err != nil {
		exitErr("rm agent", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"agent_id":%q}`+"\n", args[0])
}
