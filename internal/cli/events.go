package cli

import (
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/subscription"
)

func init() {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Query, follow and record events",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List events after an id, oldest first",
		Run:   runEventsList,
	}
	addEventFilterFlags(listCmd)
	listCmd.Flags().Int64("since", 0, "Return events with id greater than this")
	listCmd.Flags().IntP("limit", "l", events.DefaultLimit, "Max results")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow new events as JSON lines",
		Long:  "Print events as they are committed, one JSON object per line, until interrupted. Works against a database shared with a running server.",
		Run:   runEventsTail,
	}
	tailCmd.Flags().StringP("channel", "c", "*", "Channel filter, e.g. type:memory_created|memory_updated,agent:cursor")
	tailCmd.Flags().Int64("since", -1, "Start after this id (default: current head)")
	tailCmd.Flags().Duration("interval", time.Second, "Poll interval")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Event counts per type, tier and agent",
		Run:   runEventsStats,
	}

	emitCmd := &cobra.Command{
		Use:   "emit [json-data]",
		Short: "Record a pattern_learned or graph_updated event",
		Args:  cobra.MaximumNArgs(1),
		Run:   runEventsEmit,
	}
	emitCmd.Flags().String("type", "pattern_learned", "Event type: pattern_learned or graph_updated")
	emitCmd.Flags().String("subject", "", "Subject id")
	emitCmd.Flags().String("profile", "", "Profile (namespace)")
	emitCmd.Flags().IntP("importance", "i", 5, "Importance 0-10")

	eventsCmd.AddCommand(listCmd, tailCmd, statsCmd, emitCmd)
	RootCmd.AddCommand(eventsCmd)
}

func addEventFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("types", "", "Comma-separated event types")
	cmd.Flags().String("by", "", "Filter by source agent")
	cmd.Flags().String("profile", "", "Filter by profile")
	cmd.Flags().String("subject", "", "Filter by subject id")
	cmd.Flags().String("tier", "", "Only events the tier still retains: hot, warm, cold")
}

func runEventsList(cmd *cobra.Command, args []string) {
	typesStr, _ := cmd.Flags().GetString("types")
	by, _ := cmd.Flags().GetString("by")
	profile, _ := cmd.Flags().GetString("profile")
	subject, _ := cmd.Flags().GetString("subject")
	tier, _ := cmd.Flags().GetString("tier")
	since, _ := cmd.Flags().GetInt64("since")
	limit, _ := cmd.Flags().GetInt("limit")

	types, err := events.ParseTypes(typesStr)
	if err != nil {
		exitErr("events", err)
	}

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	evs, err := h.Bus.Query(cmd.Context(), events.Filter{
		Types:   types,
		Agent:   by,
		Profile: profile,
		Subject: subject,
		Tier:    model.Tier(tier),
		SinceID: since,
		Limit:   limit,
	})
	if err != nil {
		exitErr("events", err)
	}
	out := make([]model.WireEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Wire())
	}
	printJSON(out)
}

func runEventsTail(cmd *cobra.Command, args []string) {
	channel, _ := cmd.Flags().GetString("channel")
	since, _ := cmd.Flags().GetInt64("since")
	interval, _ := cmd.Flags().GetDuration("interval")

	f, err := subscription.ParseFilter(channel)
	if err != nil {
		exitErr("tail", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := openHub(ctx)
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	if since < 0 {
		if since, err = h.Bus.Head(ctx); err != nil {
			exitErr("tail", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	ticker := h.Store.Clock().NewTicker(interval)
	defer ticker.Stop()
	for {
		batch, err := h.Subs.Scan(ctx, f, since, events.MaxLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exitErr("tail", err)
		}
		for _, ev := range batch.Events {
			enc.Encode(ev.Wire())
		}
		since = batch.Cursor
		if len(batch.Events) == events.MaxLimit {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func runEventsStats(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	st, err := h.Bus.Stats(cmd.Context())
	if err != nil {
		exitErr("event stats", err)
	}
	printJSON(st)
}

func runEventsEmit(cmd *cobra.Command, args []string) {
	typeStr, _ := cmd.Flags().GetString("type")
	subject, _ := cmd.Flags().GetString("subject")
	profile, _ := cmd.Flags().GetString("profile")
	importance, _ := cmd.Flags().GetInt("importance")

	typ, ok := model.ParseEventType(typeStr)
	if !ok || (typ != model.EventPatternLearned && typ != model.EventGraphUpdated) {
		exitErr("emit", errors.Wrapf(events.ErrInvalidEvent, "type %q cannot be emitted by hand", typeStr))
	}
	var data json.RawMessage
	if len(args) > 0 {
		data = json.RawMessage(args[0])
	}

	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	ev, err := h.Bus.Emit(agentContext(cmd.Context()), model.Event{
		Type:       typ,
		SubjectID:  subject,
		Profile:    profile,
		Importance: importance,
		Payload:    data,
	})
	if err != nil {
		exitErr("emit", err)
	}
	printJSON(ev.Wire())
}
