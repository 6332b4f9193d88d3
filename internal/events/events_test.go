package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/example/ridesaver/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func sampleRide() models.Ride {
	return models.Ride{ID: "r1", OwnerID: "o", GroupID: "g1", TotalSeats: 2, AvailableSeats: 1, JoinedUsers: []string{"u1"}, Version: 2}
}

func TestNewOmitsRideOnCancel(t *testing.T) {
	if ev := New(RideJoined, "u1", sampleRide()); ev.Ride == nil || ev.Ride.Version != 2 {
		t.Fatalf("expected ride snapshot, got %+v", ev.Ride)
	}
	if ev := New(RideCancelled, "o", sampleRide()); ev.Ride != nil || ev.GroupID != "g1" {
		t.Fatalf("unexpected cancel event %+v", ev)
	}
}

func TestKafkaPublisherKeysByRide(t *testing.T) {
	fw := &fakeWriter{}
	p := &KafkaPublisher{writer: fw, timeout: time.Second}
	ev := New(RideJoined, "u1", sampleRide())
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 1 || string(fw.msgs[0].Key) != "r1" {
		t.Fatalf("unexpected messages %+v", fw.msgs)
	}
	got, err := Decode(fw.msgs[0])
	if err != nil || got.ID != ev.ID || got.Kind != RideJoined || got.Ride.AvailableSeats != 1 {
		t.Fatalf("decode mismatch %+v %v", got, err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &fakeWriter{}
	bad := &fakeWriter{err: errors.New("broker down")}
	m := Multi{&KafkaPublisher{writer: ok, timeout: time.Second}, nil, Discard{}, &KafkaPublisher{writer: bad, timeout: time.Second}}
	err := m.Publish(context.Background(), New(RideCreated, "o", sampleRide()))
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.msgs) != 1 {
		t.Fatalf("healthy sink skipped")
	}
}

func TestHubDeliversToGroupOnly(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.URL.Query().Get("group"), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?group=g1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count("g1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	other := sampleRide()
	other.GroupID = "g2"
	_ = hub.Publish(context.Background(), New(RideJoined, "u1", other))
	_ = hub.Publish(context.Background(), New(RideLeft, "u1", sampleRide()))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev RideEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != RideLeft || ev.GroupID != "g1" {
		t.Fatalf("received event of another group: %+v", ev)
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Count("g1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebhookPublisher(t *testing.T) {
	var (
		gotAuth string
		gotKind string
		got     RideEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKind = r.Header.Get("X-Event-Kind")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ev := New(RideCancelled, "o", sampleRide())
	ev.Evicted = []string{"u1"}
	if err := NewWebhookPublisher(srv.URL, "k").Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer k" || gotKind != string(RideCancelled) || len(got.Evicted) != 1 || got.Evicted[0] != "u1" {
		t.Fatalf("unexpected delivery auth=%q kind=%q ev=%+v", gotAuth, gotKind, got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := NewWebhookPublisher(failing.URL, "").Publish(context.Background(), ev); err == nil {
		t.Fatal("expected error on 502")
	}
}

// serverConn returns the server side of a fresh websocket connection.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade never completed")
		return nil
	}
}

func TestHubDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	hub := NewHub(nil)
	// no writer goroutine: the queue is never drained
	stuck := newSubscriber(serverConn(t), 1)
	hub.register("g1", stuck)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), New(RideJoined, "u1", sampleRide())); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked on a stuck subscriber for %v", elapsed)
	}
	if hub.Count("g1") != 0 {
		t.Fatal("stuck subscriber still registered")
	}
	select {
	case <-stuck.done:
	default:
		t.Fatal("stuck subscriber not closed")
	}
}
