package messaging

import (
	"errors"
	"fmt"
	"testing"
)

func TestEnvelopeTopic(t *testing.T) {
	cases := []struct {
		eventType string
		want      string
	}{
		{EventMessageCreated, "social.messaging.message.created"},
		{EventMessageDeleted, "social.messaging.message.deleted"},
		{EventPostCreated, "social.content.post.created"},
		{EventFollowCreated, "social.graph.follow.created"},
		{EventNotificationCreated, "social.notification.notification.created"},
		{EventSearchIndexUpdated, "social.search.search.index_updated"},
		{"Weird", "social.events.weird"},
	}

	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			env := &Envelope{EventType: tc.eventType}
			if got := env.Topic(); got != tc.want {
				t.Errorf("Topic() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("conversation", "conv-1", EventMessageCreated, map[string]string{"message_id": "m-1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.ID == "" {
		t.Error("expected generated event ID")
	}
	if env.PartitionKey() != "conv-1" {
		t.Errorf("PartitionKey() = %q, want aggregate id", env.PartitionKey())
	}
	if env.Priority() != PriorityCritical {
		t.Errorf("Priority() = %v, want critical", env.Priority())
	}
	if env.OccurredAt.IsZero() {
		t.Error("expected OccurredAt to be set")
	}
}

func TestNewEnvelopeRejectsUnencodablePayload(t *testing.T) {
	_, err := NewEnvelope("conversation", "conv-1", EventMessageCreated, func() {})
	if !errors.Is(err, ErrInternal) {
		t.Errorf("expected ErrInternal, got %v", err)
	}
}

func TestEventRouting(t *testing.T) {
	if !TriggersNotification(EventMessageCreated) {
		t.Error("MessageCreated should trigger notifications")
	}
	if !RequiresSearchIndexing(EventMessageCreated) {
		t.Error("MessageCreated should require search indexing")
	}
	if AffectsFeed(EventMessageCreated) {
		t.Error("MessageCreated should not affect feeds")
	}
	if !AffectsFeed(EventPostCreated) {
		t.Error("PostCreated should affect feeds")
	}
	if EventPriority("Bogus") != PriorityNormal {
		t.Error("unknown event types default to normal priority")
	}
}

func TestPriorityString(t *testing.T) {
	for p, want := range map[Priority]string{
		PriorityCritical: "critical",
		PriorityHigh:     "high",
		PriorityNormal:   "normal",
		PriorityLow:      "low",
		Priority(9):      "unknown(9)",
	} {
		if got := p.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", p, got, want)
		}
	}
}

func TestKindClassification(t *testing.T) {
	t.Run("nil error has no kind", func(t *testing.T) {
		if Kind(nil) != nil {
			t.Error("expected nil kind for nil error")
		}
	})

	t.Run("wrapped sentinel resolves", func(t *testing.T) {
		err := fmt.Errorf("send message: %w", ErrRateLimited)
		if Kind(err) != ErrRateLimited {
			t.Errorf("Kind() = %v, want ErrRateLimited", Kind(err))
		}
		if KindName(err) != "rate_limited" {
			t.Errorf("KindName() = %q", KindName(err))
		}
	})

	t.Run("unclassified error is internal", func(t *testing.T) {
		if Kind(errors.New("boom")) != ErrInternal {
			t.Error("expected ErrInternal for unclassified error")
		}
	})

	t.Run("typed errors unwrap to kinds", func(t *testing.T) {
		var err error = &PoolExhaustedError{InUse: 17, MaxOpen: 20, Threshold: 0.85}
		if !errors.Is(err, ErrUnavailable) {
			t.Error("pool exhaustion should be ErrUnavailable")
		}
		if !IsPoolExhausted(fmt.Errorf("acquire: %w", err)) {
			t.Error("IsPoolExhausted should see through wrapping")
		}

		err = &SequenceConflictError{ConversationID: "c", Sequence: 4}
		if !errors.Is(err, ErrConflict) {
			t.Error("sequence collision should be ErrConflict")
		}
		if !Retryable(err) {
			t.Error("conflicts are retryable")
		}
	})
}
