package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshwire/messaging"
)

// ClientSyncState is a device's delivery cursor, persisted so a
// reconnecting client resumes from where it left off instead of
// replaying the whole stream.
type ClientSyncState struct {
	ClientID string    `msgpack:"client_id"`
	UserID   uuid.UUID `msgpack:"user_id"`
	// LastStreamIDs maps conversation ID to the newest stream entry
	// the client has acknowledged.
	LastStreamIDs map[uuid.UUID]string `msgpack:"last_stream_ids"`
	UpdatedAt     time.Time            `msgpack:"updated_at"`
}

// Advance records an acknowledged cursor for a conversation.
func (s *ClientSyncState) Advance(conversationID uuid.UUID, streamID string) {
	if s.LastStreamIDs == nil {
		s.LastStreamIDs = make(map[uuid.UUID]string)
	}
	s.LastStreamIDs[conversationID] = streamID
}

// SaveSyncState persists the cursor set under the client's sync key.
// Sessions call it periodically while connected and once on close.
func (q *Queue) SaveSyncState(ctx context.Context, state *ClientSyncState) error {
	state.UpdatedAt = time.Now().UTC()
	body, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state for %s: %w", state.ClientID, err)
	}
	return q.kv.SetEx(ctx, syncKey(state.ClientID), body, syncStateTTL)
}

// LoadSyncState fetches a client's persisted cursors. A client with
// no saved state gets a fresh zero-cursor state, not an error.
func (q *Queue) LoadSyncState(ctx context.Context, userID uuid.UUID, clientID string) (*ClientSyncState, error) {
	raw, err := q.kv.GetBytes(ctx, syncKey(clientID))
	if errors.Is(err, messaging.ErrNotFound) {
		return &ClientSyncState{ClientID: clientID, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	var state ClientSyncState
	if err := msgpack.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode sync state for %s: %w", clientID, err)
	}
	return &state, nil
}

// DropSyncState removes a client's cursors, for device deregistration.
func (q *Queue) DropSyncState(ctx context.Context, clientID string) error {
	return q.kv.Del(ctx, syncKey(clientID))
}
