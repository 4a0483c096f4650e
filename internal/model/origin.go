package model

import "strings"

// Protocol identifies how a client reached the hub.
type Protocol string

const (
	ProtocolCLI          Protocol = "cli"
	ProtocolMCP          Protocol = "mcp"
	ProtocolREST         Protocol = "rest"
	ProtocolProgrammatic Protocol = "programmatic"
	ProtocolAgent        Protocol = "agent-to-agent"
)

// DefaultAgent is used when a write carries no agent context.
const DefaultAgent = "user"

// ParseProtocol normalizes s into a known Protocol. Unknown values are
// reported with ok=false.
func ParseProtocol(s string) (Protocol, bool) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolCLI, ProtocolMCP, ProtocolREST, ProtocolProgrammatic, ProtocolAgent:
		return p, true
	case "a2a":
		return ProtocolAgent, true
	}
	return "", false
}

// Origin is the caller context attached to a write. Trust is the caller's
// own snapshot, if any; the stamper fills it from the scorer otherwise.
type Origin struct {
	AgentID  string
	Protocol Protocol
	Trust    *float64
}

// Provenance is the stamped origin metadata committed with a write.
type Provenance struct {
	CreatedBy      string           `json:"created_by"`
	SourceProtocol Protocol         `json:"source_protocol"`
	TrustScore     float64          `json:"trust_score"`
	Chain          []ProvenanceStep `json:"provenance_chain,omitempty"`
}
