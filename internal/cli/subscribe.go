package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/subscription"
)

func init() {
	subCmd := &cobra.Command{
		Use:     "subscribe",
		Aliases: []string{"sub"},
		Short:   "Manage durable subscriptions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a durable subscription",
		Long: "Create a durable subscription. With --webhook the running server POSTs matching events to the URL; " +
			"otherwise the subscriber polls and acknowledges.",
		Run: runSubCreate,
	}
	createCmd.Flags().StringP("channel", "c", "*", "Channel filter, e.g. type:memory_created,profile:work")
	createCmd.Flags().String("webhook", "", "Webhook URL")
	createCmd.Flags().String("subscriber", "", "Subscriber id (default: --agent)")
	createCmd.Flags().Int64("from", -1, "Start after this event id (default: current head)")

	pollCmd := &cobra.Command{
		Use:   "poll [id]",
		Short: "Fetch matching events after the subscription's offset",
		Args:  cobra.ExactArgs(1),
		Run:   runSubPoll,
	}
	pollCmd.Flags().IntP("limit", "l", 100, "Max events")
	pollCmd.Flags().Bool("ack", false, "Acknowledge the returned cursor")

	subCmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List durable subscriptions",
			Run:   runSubList,
		},
		&cobra.Command{
			Use:   "rm [id]",
			Short: "Delete a subscription",
			Args:  cobra.ExactArgs(1),
			Run:   runSubRm,
		},
		pollCmd,
		&cobra.Command{
			Use:   "ack [id] [event-id]",
			Short: "Advance the subscription's offset",
			Args:  cobra.ExactArgs(2),
			Run:   runSubAck,
		},
		&cobra.Command{
			Use:   "reactivate [id]",
			Short: "Resume webhook delivery for a degraded subscription",
			Args:  cobra.ExactArgs(1),
			Run:   runSubReactivate,
		},
	)
	RootCmd.AddCommand(subCmd)
}

func runSubCreate(cmd *cobra.Command, args []string) {
	channel, _ := cmd.Flags().GetString("channel")
	webhook, _ := cmd.Flags().GetString("webhook")
	subscriber, _ := cmd.Flags().GetString("subscriber")
	from, _ := cmd.Flags().GetInt64("from")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	p := subscription.CreateParams{SubscriberID: subscriber, Channel: channel, WebhookURL: webhook}
	if from >= 0 {
		p.FromID = &from
	}
	sub, err := h.Subs.Create(agentContext(cmd.Context()), p)
	if err != nil {
		exitErr("subscribe", err)
	}
	printJSON(sub)
}

func runSubList(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()
	printJSON(h.Subs.List())
}

func runSubRm(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	if err := h.Subs.Delete(agentContext(cmd.Context()), args[0]); err != nil {
		exitErr("unsubscribe", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q}`+"\n", args[0])
}

func runSubPoll(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	ack, _ := cmd.Flags().GetBool("ack")

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	batch, err := h.Subs.Poll(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("poll", err)
	}
	if ack {
		if _, err := h.Subs.Ack(agentContext(cmd.Context()), args[0], batch.Cursor); err != nil {
			exitErr("ack", err)
		}
	}
	printJSON(batch)
}

func runSubAck(cmd *cobra.Command, args []string) {
	var eventID int64
	if _, err := fmt.Sscan(args[1], &eventID); err != nil {
		exitErr("ack", fmt.Errorf("event id must be an integer: %w", err))
	}

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	sub, err := h.Subs.Ack(agentContext(cmd.Context()), args[0], eventID)
	if err != nil {
		exitErr("ack", err)
	}
	printJSON(sub)
}

func runSubReactivate(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	sub, err := h.Subs.Reactivate(agentContext(cmd.Context()), args[0])
	if err != nil {
		exitErr("reactivate", err)
	}
	printJSON(sub)
}
