package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/bus/bustest"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestDeliverWithoutReceiver(t *testing.T) {
	client := bustest.Start(t)

	result, err := client.Deliver(context.Background(), protocol.PlayerSubject("nobody"), protocol.Message{Action: protocol.ActionControlStop})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result != bus.NoReceiver {
		t.Fatalf("result = %s, want %s", result, bus.NoReceiver)
	}
}

func TestDeliverAcknowledged(t *testing.T) {
	client := bustest.Start(t)

	received := make(chan protocol.Message, 1)
	sub, err := client.Conn().Subscribe(protocol.PlayerSubject("tab"), func(msg *nats.Msg) {
		bus.Ack(msg)
		var m protocol.Message
		if err := json.Unmarshal(msg.Data, &m); err == nil {
			received <- m
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	result, err := client.Deliver(context.Background(), protocol.PlayerSubject("tab"), protocol.Message{Action: protocol.ActionControlPause})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result != bus.Delivered {
		t.Fatalf("result = %s, want %s", result, bus.Delivered)
	}

	select {
	case m := <-received:
		if m.Action != protocol.ActionControlPause {
			t.Fatalf("action = %q, want %q", m.Action, protocol.ActionControlPause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}
