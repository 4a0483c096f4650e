// Package cli implements the memory-hub CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/hub"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
)

var (
	cfgFile   string
	agentFlag string
	cfg       *config.Config
	logger    *mylog.Logger
	v         = viper.New()
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory-hub",
	Short: "Shared memory hub for AI agents",
	Long: "A local hub where agents store memories, every change is recorded as an event, " +
		"and subscribers follow the event log live or durably. SQLite-backed, single binary.",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := RootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ~/.memory-hub/config.yaml)")
	flags.StringP("db", "d", "", "Database path (default: $MEMORY_HUB_DB or ~/.memory-hub/memory.db)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.StringVarP(&agentFlag, "agent", "a", "", "Calling agent id (default: $MEMORY_HUB_AGENT or user)")

	v.BindPFlag("db", flags.Lookup("db"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.format", flags.Lookup("log-format"))
}

func initConfig() {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		exitErr("load config", err)
	}
	logger = mylog.NewLogger(cfg.Log.Level, cfg.Log.Format)
}

// openHub opens the hub without starting its background loops.
func openHub(ctx context.Context) (*hub.Hub, error) {
	return hub.Open(ctx, cfg, logger)
}

// agentContext attaches the calling agent to ctx. CLI writes always carry
// the cli protocol.
func agentContext(ctx context.Context) context.Context {
	agent := agentFlag
	if agent == "" {
		agent = os.Getenv("MEMORY_HUB_AGENT")
	}
	if agent == "" {
		agent = model.DefaultAgent
	}
	return store.WithOrigin(ctx, model.Origin{AgentID: agent, Protocol: model.ProtocolCLI})
}

func splitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
