package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/places-core/internal/infrastructure/config"
)

// Broker tests need Mosquitto at 127.0.0.1:1883 and skip without it.

var clientSeq atomic.Int64

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: fmt.Sprintf("placesd-test-%d-%d", time.Now().UnixNano(), clientSeq.Add(1)),
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(testConfig())
	if err != nil {
		t.Skipf("MQTT broker not available: %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return client
}

// testTopic returns a topic unique to the running test.
func testTopic(t *testing.T, suffix string) string {
	t.Helper()
	return fmt.Sprintf("places/test/%d/%s", time.Now().UnixNano(), suffix)
}

func TestConnect(t *testing.T) {
	client := connectOrSkip(t)

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestCloseThenOperations(t *testing.T) {
	client := connectOrSkip(t)
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := client.Publish("places/test", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	noop := func(string, []byte) error { return nil }
	if err := client.Subscribe("places/test", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := connectOrSkip(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := connectOrSkip(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{name: "empty topic", topic: "", qos: 1, want: ErrInvalidTopic},
		{name: "invalid qos", topic: "places/test", qos: 3, want: ErrInvalidQoS},
		{name: "oversized", topic: "places/test", payload: make([]byte, maxPayloadSize+1), qos: 1, want: ErrPublishFailed},
		{name: "nil payload", topic: "places/test/nil", qos: 1},
		{name: "large payload", topic: "places/test/large", payload: make([]byte, 64*1024), qos: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Publish() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := connectOrSkip(t)
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v", err)
	}
	if err := client.Subscribe("places/test", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos: error = %v", err)
	}
	if err := client.Subscribe("places/test", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v", err)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("unsubscribe empty topic: error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after rejected subscriptions", client.SubscriptionCount())
	}
}

func TestSubscriptionTracking(t *testing.T) {
	client := connectOrSkip(t)
	noop := func(string, []byte) error { return nil }

	topics := []string{testTopic(t, "a"), testTopic(t, "b"), Topics{}.AllSyncStatus()}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, noop); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
	if !client.HasSubscription(topics[1]) {
		t.Error("HasSubscription() = false for a remaining topic")
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	pub := connectOrSkip(t)
	sub := connectOrSkip(t)

	topic := testTopic(t, "roundtrip")
	received := make(chan string, 1)
	err := sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := pub.Publish(topic, []byte(`{"n":1}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != `{"n":1}` {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestHandlerErrorAndPanicAreContained(t *testing.T) {
	client := connectOrSkip(t)

	topic := testTopic(t, "bad-handler")
	calls := make(chan struct{}, 2)
	err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		calls <- struct{}{}
		if string(payload) == "panic" {
			panic("boom")
		}
		return errors.New("handler error")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, p := range []string{"error", "panic"} {
		if err := client.Publish(topic, []byte(p), 1, false); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("handler not called for %q", p)
		}
	}
	if !client.IsConnected() {
		t.Error("client disconnected after handler failures")
	}
}

func TestSyncStatusAndCommandRoundtrip(t *testing.T) {
	daemon := connectOrSkip(t)
	peer := connectOrSkip(t)

	db := fmt.Sprintf("test-%d.db", time.Now().UnixNano())

	commands := make(chan SyncCommand, 1)
	if err := daemon.OnSyncCommand(db, func(cmd SyncCommand) { commands <- cmd }); err != nil {
		t.Fatalf("OnSyncCommand() error = %v", err)
	}

	statuses := make(chan SyncStatus, 1)
	err := peer.Subscribe(Topics{}.SyncStatus(db), 1, func(_ string, payload []byte) error {
		var s SyncStatus
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		statuses <- s
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := peer.Publish(Topics{}.SyncCommand(db), []byte(`{"action":"sync","request_id":"r1"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case cmd := <-commands:
		if cmd.RequestID != "r1" {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync command")
	}

	want := SyncStatus{Database: db, Status: SyncStatusOK, Applied: 3, Sent: 1}
	if err := daemon.PublishSyncStatus(want); err != nil {
		t.Fatalf("PublishSyncStatus() error = %v", err)
	}
	select {
	case got := <-statuses:
		if got.Database != db || got.Applied != 3 || got.Sent != 1 || got.Status != SyncStatusOK {
			t.Errorf("status = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync status")
	}

	// Clear the retained message.
	daemon.Publish(Topics{}.SyncStatus(db), nil, 1, true) //nolint:errcheck // best-effort cleanup
}

func TestOnConnectCallbackRace(t *testing.T) {
	client := connectOrSkip(t)

	// The handler may or may not fire for the initial connect; this only
	// checks that setting callbacks concurrently with it is safe.
	client.SetOnConnect(func() {})
	client.SetOnDisconnect(func(error) {})
	client.SetLogger(nil)
}
