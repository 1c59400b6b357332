package p2p

import (
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, created := r.Add(peer.ID("a"), "seed")
	if !created || a.Source != "seed" {
		t.Fatal("first Add should create the peer")
	}
	again, created := r.Add(peer.ID("a"), "dht")
	if created || again != a {
		t.Fatal("second Add should return the existing peer")
	}
	r.Add(peer.ID("b"), "mdns")

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if got, ok := r.Get(peer.ID("b")); !ok || got.Source != "mdns" {
		t.Fatal("Get(b) failed")
	}
	list := r.List()
	if len(list) != 2 || list[0].ID != peer.ID("a") {
		t.Fatal("List should be ordered by connection time")
	}

	if !r.Remove(peer.ID("a")) {
		t.Fatal("Remove(a) should report true")
	}
	if r.Remove(peer.ID("a")) {
		t.Fatal("second Remove should report false")
	}
	if err := a.Enqueue([]byte("x")); !errors.Is(err, ErrQueueClosed) {
		t.Fatal("removed peer queues should be closed")
	}

	r.Close()
	if r.Len() != 0 {
		t.Fatal("Close should empty the registry")
	}
}
