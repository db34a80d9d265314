package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the daemon. Contract events use the contract's
// event name ("patientRecorded", "footStepsRecorded", "transactionCompleted").
const (
	EventNodeDegraded  = "node.health_degraded"
	EventNodeRecovered = "node.health_recovered"

	// EventAll subscribes to every event type.
	EventAll = "*"
)

// Subscription is a configured webhook endpoint.
type Subscription struct {
	ID     uuid.UUID `json:"id"     mapstructure:"-"`
	URL    string    `json:"url"    mapstructure:"url"`
	Events []string  `json:"events" mapstructure:"events"`
	Secret string    `json:"-"      mapstructure:"secret"`
}

// matches reports whether s listens for eventType.
func (s *Subscription) matches(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == EventAll {
			return true
		}
	}
	return false
}

// Event is the JSON body posted to a subscription.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventType      string    `json:"event_type"`
	StatusCode     int       `json:"status_code"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message"`
	DeliveredAt    time.Time `json:"delivered_at"`
}
