package activity

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSSink_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sink, err := NewNATSSink(Config{URL: server.ClientURL()}, zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("conductd.activity.proj", received)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	sink.Publish(Event{
		ProjectID: "proj",
		UnitID:    "u1",
		Kind:      EventUnitCompleted,
		Payload:   map[string]any{"commit": "abc123"},
	})

	select {
	case msg := <-received:
		var event Event
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, "u1", event.UnitID)
		assert.Equal(t, EventUnitCompleted, event.Kind)
		assert.False(t, event.Timestamp.IsZero())
		assert.Equal(t, "abc123", event.Payload["commit"])
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSSink_CustomSubjectPrefix(t *testing.T) {
	server := startTestNATSServer(t)

	sink, err := NewNATSSink(Config{URL: server.ClientURL(), SubjectPrefix: "builds"}, zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("builds.proj", received)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	sink.Publish(Event{ProjectID: "proj", UnitID: "u1", Kind: EventUnitClaimed})

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

// A sink with no broker must stay non-blocking: publishing while the
// broker is unreachable drops events instead of stalling the scheduler.
func TestNATSSink_UnreachableBrokerDoesNotBlock(t *testing.T) {
	sink, err := NewNATSSink(Config{URL: "nats://127.0.0.1:1"}, zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			sink.Publish(Event{ProjectID: "proj", UnitID: "u1", Kind: EventUnitClaimed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on unreachable broker")
	}
}

func TestNopSink(t *testing.T) {
	var sink Sink = NopSink{}
	sink.Publish(Event{UnitID: "u1"}) // must not panic
}
