package transport

import (
	"context"
	"testing"
	"time"

	"github.com/duskline/convo/types"
)

func pk(b byte) types.PhysicalDevicePk {
	var p types.PhysicalDevicePk
	p[0] = b
	return p
}

func TestMemTransportSendDelivers(t *testing.T) {
	net := NewMemNetwork()
	a := NewMemTransport(net, pk(1))
	b := NewMemTransport(net, pk(2))
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.SetHandler(func(from types.PhysicalDevicePk, data []byte) {
		if from != a.LocalPk() {
			t.Errorf("unexpected sender %v", from)
		}
		received <- data
	})

	if err := a.Send(context.Background(), b.LocalPk(), []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemTransportUnreachablePeerErrors(t *testing.T) {
	net := NewMemNetwork()
	a := NewMemTransport(net, pk(1))
	defer a.Close()

	if err := a.Send(context.Background(), pk(9), []byte("x")); err == nil {
		t.Fatal("expected an error sending to an unregistered peer")
	}
}

func TestMemNetworkPartitionDropsSilently(t *testing.T) {
	net := NewMemNetwork()
	a := NewMemTransport(net, pk(1))
	b := NewMemTransport(net, pk(2))
	defer a.Close()
	defer b.Close()

	called := false
	b.SetHandler(func(from types.PhysicalDevicePk, data []byte) { called = true })

	net.SetReachable(b.LocalPk(), false)
	if err := a.Send(context.Background(), b.LocalPk(), []byte("x")); err != nil {
		t.Fatalf("partitioned send should not error, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatal("handler should not fire for a partitioned peer")
	}

	net.SetReachable(b.LocalPk(), true)
	received := make(chan struct{}, 1)
	b.SetHandler(func(from types.PhysicalDevicePk, data []byte) { received <- struct{}{} })
	if err := a.Send(context.Background(), b.LocalPk(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out after restoring reachability")
	}
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	net := NewMemNetwork()
	a := NewMemTransport(net, pk(1))
	b := NewMemTransport(net, pk(2))
	c := NewMemTransport(net, pk(3))
	defer a.Close()
	defer b.Close()
	defer c.Close()

	gotB := make(chan struct{}, 1)
	gotC := make(chan struct{}, 1)
	b.SetHandler(func(from types.PhysicalDevicePk, data []byte) { gotB <- struct{}{} })
	c.SetHandler(func(from types.PhysicalDevicePk, data []byte) { gotC <- struct{}{} })

	if err := Broadcast(context.Background(), a, []types.PhysicalDevicePk{b.LocalPk(), c.LocalPk()}, []byte("x")); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []chan struct{}{gotB, gotC} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast delivery")
		}
	}
}
