package core

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

func TestParseRelayAddr(t *testing.T) {
	n := newTestNode(t)
	addrStr := n.Addrs()[0].String() + "/p2p/" + n.ID().String()

	info, err := ParseRelayAddr(addrStr)
	if err != nil {
		t.Fatalf("parse relay addr: %v", err)
	}
	if info.ID != n.ID() {
		t.Fatalf("id = %s, want %s", info.ID, n.ID())
	}
}

func TestParseRelayAddrRejectsGarbage(t *testing.T) {
	if _, err := ParseRelayAddr("not-a-multiaddr"); err == nil {
		t.Fatalf("expected error for invalid multiaddr")
	}
}

func TestIsCircuitAddr(t *testing.T) {
	plain, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	if err != nil {
		t.Fatalf("new multiaddr: %v", err)
	}
	if isCircuitAddr(plain) {
		t.Fatalf("plain address should not be detected as circuit")
	}

	circuit, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001/p2p/12D3KooWGRoA5Pke8BQEXJUHeNR9LEoRYPEimMeYMyGRsF6kq3Yr/p2p-circuit")
	if err != nil {
		t.Fatalf("new circuit multiaddr: %v", err)
	}
	if !isCircuitAddr(circuit) {
		t.Fatalf("circuit address should be detected as circuit")
	}
}

func TestRelayManagerBackoffGeometry(t *testing.T) {
	n := newTestNode(t)
	rm := NewRelayManager(n, n.Host.Peerstore().PeerInfo(n.ID()), newTestLogger())

	first := rm.nextBackoff()
	if first != relayBackoffFloor {
		t.Fatalf("first backoff = %v, want %v", first, relayBackoffFloor)
	}
	second := rm.nextBackoff()
	if second != relayBackoffFloor*2 {
		t.Fatalf("second backoff = %v, want %v", second, relayBackoffFloor*2)
	}

	rm.backoff = relayBackoffCap
	capped := rm.nextBackoff()
	if capped != relayBackoffCap {
		t.Fatalf("backoff must not exceed cap, got %v", capped)
	}

	rm.resetBackoff()
	if rm.backoff != 0 {
		t.Fatalf("expected backoff to reset to zero")
	}
}

func TestHasReservationFalseWithoutCircuitAddr(t *testing.T) {
	n := newTestNode(t)
	rm := NewRelayManager(n, n.Host.Peerstore().PeerInfo(n.ID()), newTestLogger())
	if rm.HasReservation() {
		t.Fatalf("fresh node listening only on a plain tcp address should have no reservation")
	}
}

func TestWaitForReservationTimesOutWithoutOne(t *testing.T) {
	n := newTestNode(t)
	rm := NewRelayManager(n, n.Host.Peerstore().PeerInfo(n.ID()), newTestLogger())
	ok := rm.WaitForReservation(context.Background(), 1200*time.Millisecond)
	if ok {
		t.Fatalf("expected WaitForReservation to time out")
	}
}
