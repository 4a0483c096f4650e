package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}

func TestAgentContext(t *testing.T) {
	t.Setenv("MEMORY_HUB_AGENT", "")
	agentFlag = ""
	o := store.OriginFrom(agentContext(context.Background()))
	assert.Equal(t, model.DefaultAgent, o.AgentID)
	assert.Equal(t, model.ProtocolCLI, o.Protocol)

	t.Setenv("MEMORY_HUB_AGENT", "cron")
	assert.Equal(t, "cron", store.OriginFrom(agentContext(context.Background())).AgentID)

	agentFlag = "cursor"
	defer func() { agentFlag = "" }()
	assert.Equal(t, "cursor", store.OriginFrom(agentContext(context.Background())).AgentID)
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "sync", "put", "get", "recall", "list", "rm", "derive", "link", "search",
		"export", "import", "stats", "ns", "events", "agents", "trust", "subscribe", "compact", "config"}
	have := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %s", name)
	}
}
