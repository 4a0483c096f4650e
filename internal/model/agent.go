package model

import "time"

// Agent is one row of the agent registry.
type Agent struct {
	ID           string            `json:"agent_id"`
	Name         string            `json:"name"`
	Protocol     Protocol          `json:"protocol"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
	WritesCount  int               `json:"writes_count"`
	RecallsCount int               `json:"recalls_count"`
	TrustScore   float64           `json:"trust_score"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SignalType is a trust signal kind.
type SignalType string

const (
	SignalHighValueWrite     SignalType = "high_value_write"
	SignalCrossAgentRecall   SignalType = "cross_agent_recall"
	SignalConsistentBehavior SignalType = "consistent_behavior"
	SignalQuickDelete        SignalType = "quick_delete"
	SignalWriteBurst         SignalType = "write_burst"
	SignalContradiction      SignalType = "contradiction"
)

// TrustSignal is an append-only audit record of one trust adjustment.
type TrustSignal struct {
	ID        int64      `json:"id"`
	AgentID   string     `json:"agent_id"`
	Type      SignalType `json:"signal_type"`
	Delta     float64    `json:"delta"`
	OldScore  float64    `json:"old_score"`
	NewScore  float64    `json:"new_score"`
	Context   string     `json:"context,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// SubscriptionStatus is the delivery status of a durable subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionDegraded SubscriptionStatus = "degraded"
)

// Subscription is a durable, resumable subscription.
type Subscription struct {
	ID                  string             `json:"id"`
	SubscriberID        string             `json:"subscriber_id"`
	Channel             string             `json:"channel"`
	WebhookURL          string             `json:"webhook_url,omitempty"`
	Durable             bool               `json:"durable"`
	LastDeliveredID     int64              `json:"last_delivered_event_id"`
	Status              SubscriptionStatus `json:"status"`
	LastError           string             `json:"last_error,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}
