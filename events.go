package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Priority classifies how urgently a domain event must reach
// downstream consumers. Lower value = higher priority, matching Unix
// nice-value convention.
type Priority uint8

const (
	// PriorityCritical is for user-visible realtime events: a message
	// the recipient is waiting for right now.
	PriorityCritical Priority = 0
	// PriorityHigh is for important user actions: follows,
	// notifications, membership changes.
	PriorityHigh Priority = 1
	// PriorityNormal is for ordinary content updates.
	PriorityNormal Priority = 2
	// PriorityLow is for index maintenance and cleanup.
	PriorityLow Priority = 3
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Domain event types. The name encodes aggregate and action in
// CamelCase; Topic() derives the bus topic from it.
const (
	EventMessageCreated       = "MessageCreated"
	EventMessageEdited        = "MessageEdited"
	EventMessageDeleted       = "MessageDeleted"
	EventReactionAdded        = "ReactionAdded"
	EventReactionRemoved      = "ReactionRemoved"
	EventFollowCreated        = "FollowCreated"
	EventFollowRemoved        = "FollowRemoved"
	EventPostCreated          = "PostCreated"
	EventPostDeleted          = "PostDeleted"
	EventNotificationCreated  = "NotificationCreated"
	EventSearchIndexUpdated   = "SearchIndexUpdated"
	EventStreamStarted        = "StreamStarted"
	EventStreamEnded          = "StreamEnded"
	EventConversationCreated  = "ConversationCreated"
	EventConversationArchived = "ConversationArchived"
	EventMemberAdded          = "MemberAdded"
	EventMemberRemoved        = "MemberRemoved"
	EventDeviceRegistered     = "DeviceRegistered"
	EventDeviceRemoved        = "DeviceRemoved"
)

// eventClass carries the static routing attributes of an event type.
type eventClass struct {
	priority            Priority
	affectsFeed         bool
	triggersNotify      bool
	requiresSearchIndex bool
}

var eventClasses = map[string]eventClass{
	EventMessageCreated:       {PriorityCritical, false, true, true},
	EventMessageEdited:        {PriorityNormal, false, false, true},
	EventMessageDeleted:       {PriorityNormal, false, false, true},
	EventReactionAdded:        {PriorityHigh, false, true, false},
	EventReactionRemoved:      {PriorityNormal, false, false, false},
	EventFollowCreated:        {PriorityHigh, true, true, false},
	EventFollowRemoved:        {PriorityNormal, true, false, false},
	EventPostCreated:          {PriorityHigh, true, false, true},
	EventPostDeleted:          {PriorityNormal, true, false, true},
	EventNotificationCreated:  {PriorityHigh, false, true, false},
	EventSearchIndexUpdated:   {PriorityLow, false, false, true},
	EventStreamStarted:        {PriorityCritical, true, true, false},
	EventStreamEnded:          {PriorityNormal, true, false, false},
	EventConversationCreated:  {PriorityHigh, false, true, false},
	EventConversationArchived: {PriorityNormal, false, false, false},
	EventMemberAdded:          {PriorityHigh, false, true, false},
	EventMemberRemoved:        {PriorityHigh, false, false, false},
	EventDeviceRegistered:     {PriorityNormal, false, false, false},
	EventDeviceRemoved:        {PriorityNormal, false, false, false},
}

// EventPriority returns the priority class for a domain event type.
// Unknown types default to PriorityNormal.
func EventPriority(eventType string) Priority {
	if c, ok := eventClasses[eventType]; ok {
		return c.priority
	}
	return PriorityNormal
}

// AffectsFeed reports whether consumers must invalidate or rebuild
// feed state for this event type.
func AffectsFeed(eventType string) bool { return eventClasses[eventType].affectsFeed }

// TriggersNotification reports whether the notification pipeline
// consumes this event type.
func TriggersNotification(eventType string) bool { return eventClasses[eventType].triggersNotify }

// RequiresSearchIndexing reports whether the search indexer consumes
// this event type.
func RequiresSearchIndexing(eventType string) bool {
	return eventClasses[eventType].requiresSearchIndex
}

// Envelope is the language-neutral wire form of a domain event. The
// outbox persists it and the bus producer serializes it; consumers on
// any stack can decode it.
//
// AggregateID determines the bus partition key, so all events for one
// aggregate preserve their relative order downstream.
type Envelope struct {
	ID            string            `json:"id"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NewEnvelope builds an envelope with a fresh event ID, serializing
// payload as JSON.
func NewEnvelope(aggregateType, aggregateID, eventType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s payload: %v", ErrInternal, eventType, err)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// PartitionKey returns the bus message key. Using the aggregate ID
// keeps per-aggregate ordering intact across partitions.
func (e *Envelope) PartitionKey() string { return e.AggregateID }

// Priority returns the priority class of the enclosed event type.
func (e *Envelope) Priority() Priority { return EventPriority(e.EventType) }

// Topic derives the bus topic from the event type. Naming follows
// social.<service>.<aggregate>.<action>, e.g. MessageCreated ->
// social.messaging.message.created.
func (e *Envelope) Topic() string {
	parts := splitCamelCase(e.EventType)
	if len(parts) < 2 {
		return "social.events." + strings.ToLower(e.EventType)
	}
	aggregate := strings.ToLower(parts[0])
	action := strings.ToLower(strings.Join(parts[1:], "_"))
	return fmt.Sprintf("social.%s.%s.%s", serviceFor(aggregate), aggregate, action)
}

func splitCamelCase(s string) []string {
	var parts []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			parts = append(parts, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

func serviceFor(aggregate string) string {
	switch aggregate {
	case "message", "conversation", "member", "device":
		return "messaging"
	case "post", "reaction", "stream":
		return "content"
	case "follow":
		return "graph"
	case "notification":
		return "notification"
	case "search":
		return "search"
	default:
		return "events"
	}
}
