package mux

import (
	"net"
	"testing"

	"github.com/telemux/convmux/internal/logging"
	"github.com/telemux/convmux/internal/protocol"
)

func testTable(f *stubFactory) *Table {
	return NewTable(func(conv protocol.ConvID, peer *net.UDPAddr) (*Session, error) {
		return newSession(conv, peer, discardOutput{}, f.factory(), nil, 4, nil, nil, logging.NopLogger())
	})
}

func testPeer(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestAllocConv_NeverReserved(t *testing.T) {
	tbl := testTable(newStubFactory())

	// Force the counter to wrap through zero.
	tbl.nextConv = ^uint32(0)

	conv := tbl.AllocConv()
	if conv.IsReserved() {
		t.Fatal("AllocConv returned the reserved zero ID")
	}
	if conv != 1 {
		t.Errorf("AllocConv after wrap = %d, want 1", conv)
	}
}

func TestAllocConv_SkipsLiveEntries(t *testing.T) {
	tbl := testTable(newStubFactory())

	for i := 1; i <= 3; i++ {
		if _, _, err := tbl.GetOrCreate(protocol.ConvID(i), testPeer(9000+i)); err != nil {
			t.Fatalf("GetOrCreate conv %d: %v", i, err)
		}
	}

	tbl.nextConv = 0
	if conv := tbl.AllocConv(); conv != 4 {
		t.Errorf("AllocConv with convs 1-3 live = %d, want 4", conv)
	}
}

func TestAllocConv_ReuseAfterRemoval(t *testing.T) {
	tbl := testTable(newStubFactory())

	conv := tbl.AllocConv()
	if _, _, err := tbl.GetOrCreate(conv, testPeer(9100)); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	tbl.CloseConv(conv)

	tbl.nextConv = uint32(conv) - 1
	if got := tbl.AllocConv(); got != conv {
		t.Errorf("AllocConv after removal = %d, want recycled %d", got, conv)
	}
}

func TestGetOrCreate_ExistingKeepsPeer(t *testing.T) {
	tbl := testTable(newStubFactory())

	first, created, err := tbl.GetOrCreate(7, testPeer(9200))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Fatal("first GetOrCreate reported created = false")
	}

	// Same conv from a different address: the existing session wins and its
	// peer address does not change.
	second, created, err := tbl.GetOrCreate(7, testPeer(9999))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if created {
		t.Error("second GetOrCreate reported created = true")
	}
	if second != first {
		t.Error("second GetOrCreate returned a different session")
	}
	if second.Peer().Port != 9200 {
		t.Errorf("session peer port = %d, want original 9200", second.Peer().Port)
	}
}

func TestGetOrCreate_FactoryFailureLeavesTableUnchanged(t *testing.T) {
	f := newStubFactory()
	f.failWith(errFactoryFailed)
	tbl := testTable(f)

	if _, _, err := tbl.GetOrCreate(5, testPeer(9300)); err == nil {
		t.Fatal("GetOrCreate succeeded with failing factory")
	}
	if tbl.Len() != 0 {
		t.Errorf("table length after failure = %d, want 0", tbl.Len())
	}
	if tbl.Get(5) != nil {
		t.Error("failed conv left an entry in the table")
	}
}

func TestCloseConv_Idempotent(t *testing.T) {
	tbl := testTable(newStubFactory())

	if _, _, err := tbl.GetOrCreate(7, testPeer(9400)); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if !tbl.CloseConv(7) {
		t.Error("first CloseConv = false, want true")
	}
	if tbl.CloseConv(7) {
		t.Error("second CloseConv = true, want false")
	}
	if tbl.CloseConv(12345) {
		t.Error("CloseConv of never-allocated conv = true, want false")
	}
	if tbl.Len() != 0 {
		t.Errorf("table length = %d, want 0", tbl.Len())
	}
}

func TestCloseConv_ClosesSession(t *testing.T) {
	tbl := testTable(newStubFactory())

	sess, _, err := tbl.GetOrCreate(9, testPeer(9500))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	tbl.CloseConv(9)

	select {
	case <-sess.Done():
	default:
		t.Error("session not closed by CloseConv")
	}
}
