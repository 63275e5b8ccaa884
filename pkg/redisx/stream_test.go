package redisx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sagakit/sagakit/pkg/saga"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStreamPublisherPublish(t *testing.T) {
	_, client := newTestRedis(t)
	pub := NewStreamPublisher(client, "saga:test", 0)

	event := saga.Event{
		Type:      saga.EventStarted,
		SagaID:    "s1",
		SagaType:  "order",
		Timestamp: time.Now().UTC(),
	}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := client.XRange(context.Background(), "saga:test", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	values := entries[0].Values
	if values["type"] != string(saga.EventStarted) {
		t.Fatalf("unexpected type field: %v", values["type"])
	}
	if values["sagaId"] != "s1" {
		t.Fatalf("unexpected sagaId field: %v", values["sagaId"])
	}

	var decoded saga.Event
	if err := json.Unmarshal([]byte(values["data"].(string)), &decoded); err != nil {
		t.Fatalf("invalid event payload: %v", err)
	}
	if decoded.SagaType != "order" {
		t.Fatalf("unexpected saga type: %s", decoded.SagaType)
	}
}

func TestStreamPublisherDefaultStream(t *testing.T) {
	_, client := newTestRedis(t)
	pub := NewStreamPublisher(client, "", 0)

	event := saga.NewEvent(saga.EventCompleted, &saga.State{ID: "s1", Type: "order"}, "", "")
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	n, err := client.XLen(context.Background(), DefaultEventStream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry on %s, got %d", DefaultEventStream, n)
	}
}

func TestStreamPublisherFailureSurfaces(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	pub := NewStreamPublisher(client, "saga:test", 0)
	event := saga.NewEvent(saga.EventStarted, &saga.State{ID: "s1", Type: "order"}, "", "")
	if err := pub.Publish(context.Background(), event); err == nil {
		t.Fatal("expected publish error with redis down")
	}
}
