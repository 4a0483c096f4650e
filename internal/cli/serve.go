package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/server"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub: HTTP API, live streams, webhooks, registry, trust scoring and compaction",
		Run:   runServe,
	}
	serveCmd.Flags().String("addr", "", "Listen address (default: server.addr, 127.0.0.1:8765)")
	v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Update the agent registry and trust scores from unprocessed events, then exit",
		Long: "Run the agent registry and the trust scorer over every event they have not processed yet. " +
			"serve does this continuously; use sync only when no server is running against the same database.",
		Run: runSync,
	}

	RootCmd.AddCommand(serveCmd, syncCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := openHub(ctx)
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	srv := server.New(h, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })

	if err := g.Wait(); err != nil {
		logger.Error("serve failed", mylog.Err(err))
		h.Close()
		exitErr("serve", err)
	}
	logger.Info("memory-hub stopped")
}

func runSync(cmd *cobra.Command, args []string) {
	h, err := openHub(cmd.Context())
	if err != nil {
		exitErr("open hub", err)
	}
	defer h.Close()

	if err := h.CatchUp(cmd.Context()); err != nil {
		exitErr("sync", err)
	}
	printJSON(map[string]any{
		"ok":            true,
		"online":        h.Agents.Online(),
		"agents_cursor": h.Agents.Consumer().Cursor(),
		"trust_cursor":  h.Trust.Consumer().Cursor(),
	})
}
