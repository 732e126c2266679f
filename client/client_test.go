package client_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/meshbroker/client"
	"github.com/tenzoki/meshbroker/internal/broker"
	"github.com/tenzoki/meshbroker/internal/config"
)

// startTestBroker spins up a broker bound to an ephemeral port and returns
// its address plus a teardown func.
func startTestBroker(t *testing.T) (string, func()) {
	t.Helper()
	svc := broker.NewService(&config.BrokerConfig{Host: "127.0.0.1", Port: 0})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	select {
	case <-svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("broker never became ready")
	}

	return svc.Addr(), func() {
		cancel()
		<-done
	}
}

// startTestClient connects and runs c in the background, returning a
// teardown func. It waits for the handshake to complete before returning.
func startTestClient(t *testing.T, addr, name string) (*client.Client, context.CancelFunc) {
	t.Helper()
	c := client.New(&config.ClientConfig{Address: addr, NodeName: name})
	ctx, cancel := context.WithCancel(context.Background())

	go c.Run(ctx)

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s never became ready", name)
	}

	return c, cancel
}

func TestPostSubscribeDeliversPayload(t *testing.T) {
	addr, stopBroker := startTestBroker(t)
	defer stopBroker()

	pub, stopPub := startTestClient(t, addr, "pub")
	defer stopPub()
	sub, stopSub := startTestClient(t, addr, "sub")
	defer stopSub()

	received := make(chan []byte, 1)
	require.NoError(t, sub.Subscribe("pub", "temperature", func(payload []byte) {
		received <- payload
	}))
	time.Sleep(50 * time.Millisecond) // let SUBSCRIBE land before POST

	require.NoError(t, pub.Post("temperature", []byte("72F")))

	select {
	case payload := <-received:
		assert.Equal(t, "72F", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received delivery")
	}
}

func TestAnonRelayReachesHandler(t *testing.T) {
	addr, stopBroker := startTestBroker(t)
	defer stopBroker()

	x, stopX := startTestClient(t, addr, "x")
	defer stopX()
	y, stopY := startTestClient(t, addr, "y")
	defer stopY()

	received := make(chan string, 1)
	y.OnAnon("ping", func(payload []byte, sender string) {
		received <- sender + ":" + string(payload)
	})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, x.Anon("y", "ping", []byte("hello"), true))

	select {
	case got := <-received:
		assert.Equal(t, "x:hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("anon handler never invoked")
	}
}

func TestRosstatReturnsSnapshot(t *testing.T) {
	addr, stopBroker := startTestBroker(t)
	defer stopBroker()

	c, stop := startTestClient(t, addr, "watcher")
	defer stop()

	snapshotCh := make(chan []byte, 1)
	require.NoError(t, c.Rosstat(func(snapshot []byte) {
		snapshotCh <- snapshot
	}))

	select {
	case snap := <-snapshotCh:
		var parsed map[string]interface{}
		require.NoError(t, json.Unmarshal(snap, &parsed))
		assert.Contains(t, parsed, "watcher")
	case <-time.After(2 * time.Second):
		t.Fatal("rosstat handler never invoked")
	}
}

func TestReceivedCachesUnhandledDelivery(t *testing.T) {
	addr, stopBroker := startTestBroker(t)
	defer stopBroker()

	pub, stopPub := startTestClient(t, addr, "pub2")
	defer stopPub()
	sub, stopSub := startTestClient(t, addr, "sub2")
	defer stopSub()

	require.NoError(t, sub.Subscribe("pub2", "status", nil))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Post("status", []byte("ok")))
	time.Sleep(100 * time.Millisecond)

	payload, ok := sub.Received("pub2", "status")
	require.True(t, ok)
	assert.Equal(t, "ok", string(payload))
}
