package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/meshwire/messaging"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	conv := uuid.New()

	t.Run("broadcast reaches every subscriber", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		a := r.Add(conv, "a")
		b := r.Add(conv, "b")

		if n := r.Broadcast(ctx, conv, []byte("hi")); n != 2 {
			t.Errorf("delivered = %d, want 2", n)
		}
		for name, ch := range map[string]<-chan []byte{"a": a, "b": b} {
			select {
			case got := <-ch:
				if string(got) != "hi" {
					t.Errorf("%s received %q", name, got)
				}
			default:
				t.Errorf("%s received nothing", name)
			}
		}
	})

	t.Run("unknown conversation delivers to nobody", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		if n := r.Broadcast(ctx, uuid.New(), []byte("hi")); n != 0 {
			t.Errorf("delivered = %d, want 0", n)
		}
	})

	t.Run("slow subscriber is skipped not blocked", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		slow := r.Add(conv, "slow")
		for i := 0; i < SendBuffer; i++ {
			r.Broadcast(ctx, conv, []byte("fill"))
		}
		if n := r.Broadcast(ctx, conv, []byte("overflow")); n != 0 {
			t.Errorf("delivered = %d, want 0 (buffer full)", n)
		}
		if len(slow) != SendBuffer {
			t.Errorf("buffer = %d, want %d", len(slow), SendBuffer)
		}
	})

	t.Run("remove closes the channel", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		ch := r.Add(conv, "a")
		r.Remove(conv, "a")
		if _, open := <-ch; open {
			t.Error("channel still open after Remove")
		}
		if r.Subscribers(conv) != 0 {
			t.Error("subscriber count nonzero after Remove")
		}
		// Removing twice is a no-op.
		r.Remove(conv, "a")
	})

	t.Run("re-add replaces the channel", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		r.Add(conv, "a")
		fresh := r.Add(conv, "a")
		r.Broadcast(ctx, conv, []byte("hi"))
		if len(fresh) != 1 {
			t.Error("replacement channel did not receive the frame")
		}
		if r.Subscribers(conv) != 1 {
			t.Errorf("subscribers = %d, want 1", r.Subscribers(conv))
		}
	})

	t.Run("remove during broadcast", func(t *testing.T) {
		// A departing subscriber's channel is closed while other
		// goroutines are fanning out; neither side may panic.
		r := NewRegistry(nil, nil)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("sub-%d", i)
			r.Add(conv, id)
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					r.Broadcast(ctx, conv, []byte("hi"))
				}
			}()
			go func() {
				defer wg.Done()
				r.Remove(conv, id)
			}()
		}
		wg.Wait()
		if r.Subscribers(conv) != 0 {
			t.Errorf("subscribers = %d, want 0", r.Subscribers(conv))
		}
	})
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateHandshake:     "handshake",
		StateAuthenticated: "authenticated",
		StateSubscribed:    "subscribed",
		StateActive:        "active",
		StateDegraded:      "degraded",
		StateClosed:        "closed",
	}
	for state, name := range want {
		if got := state.String(); got != name {
			t.Errorf("%d.String() = %q, want %q", state, got, name)
		}
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	conv := uuid.New()
	user := uuid.New()

	newTestSession := func(r *Registry) *Session {
		return NewSession(SessionConfig{
			ConversationID: conv,
			UserID:         user,
			ClientID:       "dev-1",
			Registry:       r,
		})
	}

	t.Run("typing fans out to the conversation", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		peer := r.Add(conv, "peer")
		s := newTestSession(r)

		if err := s.dispatch(ctx, frame{Event: eventTypingStart}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		var f frame
		if err := json.Unmarshal(<-peer, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.Event != eventTyping {
			t.Fatalf("event = %q, want %q", f.Event, eventTyping)
		}
		var data typingData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.UserID != user || data.ConversationID != conv || !data.Typing {
			t.Errorf("typing data = %+v", data)
		}

		if err := s.dispatch(ctx, frame{Event: eventTypingStop}); err != nil {
			t.Fatalf("dispatch stop: %v", err)
		}
		if err := json.Unmarshal(<-peer, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.Typing {
			t.Error("stop frame still reports typing")
		}
	})

	t.Run("unknown event is a validation error", func(t *testing.T) {
		s := newTestSession(NewRegistry(nil, nil))
		err := s.dispatch(ctx, frame{Event: "message.fly"})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("dispatch = %v, want ErrValidation", err)
		}
	})

	t.Run("ack without stream ids is rejected before the queue", func(t *testing.T) {
		s := newTestSession(NewRegistry(nil, nil))
		err := s.dispatch(ctx, frame{Event: eventAck, Data: json.RawMessage(`{"stream_ids":[]}`)})
		if !errors.Is(err, messaging.ErrValidation) {
			t.Errorf("dispatch = %v, want ErrValidation", err)
		}
	})
}

func TestLegacyFrames(t *testing.T) {
	t.Run("type field maps onto the envelope", func(t *testing.T) {
		raw := []byte(`{"type":"typing","conversation_id":"x","user_id":"y"}`)
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		f.normalize(raw)
		if f.Event != eventTypingStart {
			t.Errorf("event = %q, want %q", f.Event, eventTypingStart)
		}
		if string(f.Data) != string(raw) {
			t.Error("legacy frame body not carried as data")
		}
	})

	t.Run("envelope frames pass through untouched", func(t *testing.T) {
		f := frame{Event: eventAck, Data: json.RawMessage(`{"stream_ids":["1-0"]}`)}
		f.normalize(nil)
		if f.Event != eventAck || string(f.Data) != `{"stream_ids":["1-0"]}` {
			t.Errorf("frame mutated: %+v", f)
		}
	})

	t.Run("unknown legacy type stays unmapped", func(t *testing.T) {
		var f frame
		raw := []byte(`{"type":"dance"}`)
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		f.normalize(raw)
		if f.Event != "" {
			t.Errorf("event = %q, want empty", f.Event)
		}
	})
}

func TestFrameEnvelope(t *testing.T) {
	payload, err := marshalFrame(eventError, errorData{Code: "validation", Message: "nope"})
	if err != nil {
		t.Fatalf("marshalFrame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Event != eventError {
		t.Errorf("event = %q", f.Event)
	}
	var data errorData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Code != "validation" || data.Message != "nope" {
		t.Errorf("data = %+v", data)
	}
}
