package metrics

import (
	"context"
	"testing"
)

// exercise calls every helper once. The global provider defaults to
// noop, so this pins the signatures and the nil guards rather than
// recorded values.
func exercise(ctx context.Context, s *Set) {
	s.WSConnectionOpened(ctx)
	s.WSConnectionClosed(ctx)
	s.WSFrameSent(ctx)
	s.WSFrameReceived(ctx, 0.001, "message.ack")
	s.MessageSent(ctx, 0.002)
	s.DeliveryFailure(ctx, "slow_subscriber")
	s.DeliveryLatency(ctx, 0.003)
	s.PayloadSizeClass(ctx, "small")
	s.DBPoolStats(ctx, 1, 2, 0)
	s.DBAcquire(ctx, 0.001)
	s.DBQuery(ctx, 0.001)
	s.KVOp(ctx, "get", 0.001, nil)
	s.OutboxPublished(ctx, "critical")
	s.OutboxPoisoned(ctx, "MessageCreated")
	s.OfflineDegraded(ctx)
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default returned nil")
	}
	if Default() != Default() {
		t.Error("Default is not a singleton")
	}
	exercise(context.Background(), Default())
}

func TestNilSetIsSafe(t *testing.T) {
	// Components treat the instrument set as optional; a nil *Set
	// must absorb every recording without panicking.
	var s *Set
	exercise(context.Background(), s)
}
