package natsutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type presence struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("traceparent", "00-abc-fff-01")
	if got := carrier.Get("traceparent"); got != "00-abc-fff-01" {
		t.Fatalf("expected overwritten traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestNatsHeaderCarrierNilHeader(t *testing.T) {
	carrier := (*natsHeaderCarrier)(&nats.Msg{})
	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestPublishSubscribe(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan presence, 1)
	sub, err := Subscribe(nc, "test.presence", func(_ context.Context, p presence) {
		ch <- p
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "test.presence", presence{Type: "hidden", At: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-ch:
		if p.Type != "hidden" || p.At != 7 {
			t.Fatalf("unexpected: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	nc := startTestNATS(t)

	called := make(chan struct{}, 1)
	sub, err := Subscribe(nc, "test.malformed", func(_ context.Context, _ presence) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish("test.malformed", []byte("{bad"))
	nc.Flush()

	select {
	case <-called:
		t.Fatal("handler should not be called for malformed data")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestHandle(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := Handle(nc, "test.echo", func(_ context.Context, p presence) (presence, error) {
		return presence{Type: p.Type + "-ack", At: p.At * 2}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	resp, err := Request[presence, presence](context.Background(), nc, "test.echo", presence{Type: "visible", At: 5})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != "visible-ack" || resp.At != 10 {
		t.Fatalf("unexpected resp: %+v", resp)
	}
}

func TestRequestHonorsContextDeadline(t *testing.T) {
	nc := startTestNATS(t)

	// a subscriber that never answers keeps the request pending
	sub, err := nc.Subscribe("test.silent", func(*nats.Msg) {})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := Request[presence, presence](ctx, nc, "test.silent", presence{}); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request ignored context deadline, took %v", elapsed)
	}
}

func TestRequestUnmarshalError(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := nc.Subscribe("test.badjson", func(msg *nats.Msg) {
		msg.Respond([]byte("{invalid"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if _, err := Request[presence, presence](context.Background(), nc, "test.badjson", presence{}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestPublishMarshalError(t *testing.T) {
	nc := startTestNATS(t)
	if err := Publish(context.Background(), nc, "test.err", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if _, err := json.Marshal(make(chan int)); err == nil {
		t.Fatal("sanity: chan should not marshal")
	}
}
