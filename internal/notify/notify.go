// ABOUTME: Job lifecycle event types and the publisher interface
// ABOUTME: Events are wake-up hints for agents; polling remains the source of truth

package notify

import (
	"context"
	"fmt"
)

// Event kinds
const (
	KindJobCreated  = "created"
	KindJobReported = "reported"
)

// Event describes a job state change.
type Event struct {
	Kind    string `json:"kind"`
	JobID   string `json:"job_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	At      int64  `json:"at"`
}

// Subject returns the subject an event is published on under prefix.
func Subject(prefix, kind, agentID string) string {
	return fmt.Sprintf("%s.job.%s.%s", prefix, kind, agentID)
}

// Publisher delivers job events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
