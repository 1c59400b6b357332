package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/biddy-ledger/biddy/internal/storage"
)

func TestBanManager_Scoring(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("noisy")

	bm.RecordOffense(id, PenaltyBadMessage, "bad frame")
	bm.RecordOffense(id, PenaltyBadMessage, "bad frame")
	if bm.IsBanned(id) {
		t.Fatal("40 points should not ban")
	}
	if bm.Score(id) != 2*PenaltyBadMessage {
		t.Fatalf("Score = %d", bm.Score(id))
	}

	bm.RecordOffense(id, PenaltyInvalidBlock, "tampered block")
	if bm.IsBanned(id) {
		t.Fatal("90 points should not ban yet")
	}
	bm.RecordOffense(id, PenaltyBadMessage, "bad frame")
	if !bm.IsBanned(id) {
		t.Fatal("110 points should ban")
	}
	if bm.Score(id) != 0 {
		t.Fatal("score resets once banned")
	}

	// Offenses by a banned peer are ignored.
	bm.RecordOffense(id, PenaltyInvalidBlock, "again")
	if len(bm.BanList()) != 1 {
		t.Fatalf("BanList = %d entries, want 1", len(bm.BanList()))
	}

	bm.Unban(id)
	if bm.IsBanned(id) {
		t.Fatal("Unban should lift the ban")
	}
}

func TestBanManager_Persistence(t *testing.T) {
	store := NewBanStore(storage.NewMemory())
	bm := NewBanManager(store, nil)
	id := generateTestPeerID(t)

	bm.RecordOffense(id, BanThreshold, "forged block")
	if !bm.IsBanned(id) {
		t.Fatal("peer should be banned")
	}

	reloaded := NewBanManager(store, nil)
	reloaded.LoadBans()
	if !reloaded.IsBanned(id) {
		t.Fatal("ban should survive reload")
	}
	reloaded.Unban(id)

	again := NewBanManager(store, nil)
	again.LoadBans()
	if again.IsBanned(id) {
		t.Fatal("Unban should remove the stored record")
	}
}

func TestBanManager_Clear(t *testing.T) {
	db := storage.NewMemory()
	store := NewBanStore(db)
	bm := NewBanManager(store, nil)
	a := generateTestPeerID(t)
	b := generateTestPeerID(t)
	bm.RecordOffense(a, BanThreshold, "forged block")
	bm.RecordOffense(b, BanThreshold, "forged block")
	bm.RecordOffense(peer.ID("scored"), PenaltyBadMessage, "bad frame")

	// A peer record shares the database and must survive.
	peers := NewPeerStore(db)
	if err := peers.Save(PeerRecord{ID: a.String(), Source: "seed"}); err != nil {
		t.Fatal(err)
	}

	n, err := bm.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("Clear lifted %d bans, want 2", n)
	}
	if bm.IsBanned(a) || bm.IsBanned(b) || bm.Score(peer.ID("scored")) != 0 {
		t.Fatal("Clear should reset bans and scores")
	}

	reloaded := NewBanManager(store, nil)
	reloaded.LoadBans()
	if len(reloaded.BanList()) != 0 {
		t.Fatal("cleared bans came back after reload")
	}
	if c, _ := peers.Count(); c != 1 {
		t.Fatalf("peer records = %d, want 1", c)
	}
}

func TestBanGater(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &banGater{banMgr: bm}
	bad := peer.ID("bad")
	good := peer.ID("good")
	bm.RecordOffense(bad, BanThreshold, "forged block")

	if !g.InterceptPeerDial(good) || g.InterceptPeerDial(bad) {
		t.Fatal("InterceptPeerDial should only reject banned peers")
	}
	if !g.InterceptSecured(0, good, nil) || g.InterceptSecured(0, bad, nil) {
		t.Fatal("InterceptSecured should only reject banned peers")
	}
	if !g.InterceptAccept(nil) || !g.InterceptAddrDial(bad, nil) {
		t.Fatal("accept and addr dial always pass")
	}
	if ok, reason := g.InterceptUpgraded(nil); !ok || reason != 0 {
		t.Fatal("InterceptUpgraded should allow")
	}
}
