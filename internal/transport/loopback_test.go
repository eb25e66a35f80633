package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"proximity-gateway/internal/security/secerr"
)

func TestDirectSend(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox, err := b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Send(ctx, "b", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-inbox:
		if msg.PeerID != "a" || !bytes.Equal(msg.Data, []byte("hello")) {
			t.Errorf("got %q from %s", msg.Data, msg.PeerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	// 未知對端
	if err := a.Send(ctx, "nobody", []byte("x")); !errors.Is(err, secerr.ErrTransportFailure) {
		t.Errorf("send to unknown peer: got %v, want ErrTransportFailure", err)
	}
}

func TestBroadcastSend(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")
	c := hub.Endpoint("c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inboxB, _ := b.Receive(ctx)
	inboxC, _ := c.Receive(ctx)

	// 空 peerID 廣播給所有其他端點
	if err := a.Send(ctx, "", []byte("anyone there")); err != nil {
		t.Fatal(err)
	}

	for name, inbox := range map[string]<-chan Inbound{"b": inboxB, "c": inboxC} {
		select {
		case msg := <-inbox:
			if msg.PeerID != "a" {
				t.Errorf("%s: sender = %s, want a", name, msg.PeerID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not receive the broadcast", name)
		}
	}
}

func TestScanSeesExistingAdvertisement(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 先廣播，後開掃描：掃描器仍應看到持續中的廣播
	if err := a.Advertise(ctx, []byte("beacon-payload")); err != nil {
		t.Fatal(err)
	}

	detections, err := b.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-detections:
		if !bytes.Equal(d.Payload, []byte("beacon-payload")) {
			t.Errorf("payload = %q", d.Payload)
		}
		if d.SignalStrength >= 0 {
			t.Errorf("loopback signal strength = %f, want negative dBm", d.SignalStrength)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scanner missed an existing advertisement")
	}
}

func TestAdvertiseReplaces(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Advertise(ctx, []byte("old"))
	a.Advertise(ctx, []byte("new"))

	// 替換後開掃描：只看得到新負載
	detections, _ := b.Scan(ctx)
	select {
	case d := <-detections:
		if !bytes.Equal(d.Payload, []byte("new")) {
			t.Errorf("payload = %q, want new", d.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no detection after replacement")
	}

	// 停止後新掃描器看不到任何廣播
	a.StopAdvertising()
	c := hub.Endpoint("c")
	quiet, _ := c.Scan(ctx)
	select {
	case d := <-quiet:
		t.Errorf("unexpected detection after StopAdvertising: %q", d.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseUnregisters(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint("a")
	b := hub.Endpoint("b")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}

	ctx := context.Background()
	if err := a.Send(ctx, "b", []byte("x")); !errors.Is(err, secerr.ErrTransportFailure) {
		t.Errorf("send to closed peer: got %v, want ErrTransportFailure", err)
	}
}
