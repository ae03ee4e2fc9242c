package piece

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prxssh/rabbit/pkg/bitfield"
	"github.com/prxssh/rabbit/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, totalPieces int, pieceLength int64) *Manager {
	t.Helper()

	dir := t.TempDir()
	totalSize := int64(totalPieces) * pieceLength
	d, err := storage.Open(dir, "t", [][]string{{"file.bin"}}, []int64{totalSize})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	hashes := make([][sha1.Size]byte, totalPieces)
	for i := range hashes {
		hashes[i] = sha1.Sum([]byte{byte(i)})
	}

	m := NewManager(hashes, pieceLength, totalSize, d, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	return m
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestManager_NextRequest_UnknownPeer(t *testing.T) {
	m := newTestManager(t, 2, BlockLength)

	if _, ok := m.NextRequest("ghost"); ok {
		t.Fatal("expected no block for unknown peer")
	}
}

func TestManager_NextRequest_RarestFirst_TieBreakAscending(t *testing.T) {
	m := newTestManager(t, 4, BlockLength)

	// peer A advertises pieces 0 and 2; peer B advertises only piece 2.
	bfA := bitfield.New(4)
	bfA.Set(0)
	bfA.Set(2)
	bfB := bitfield.New(4)
	bfB.Set(2)

	m.AddPeer("A", bfA)
	m.AddPeer("B", bfB)

	// Piece 2 is advertised by two peers (availability 2), piece 0 by one
	// (availability 1). A should be offered the rarest piece it has: 0.
	blk, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected a block")
	}
	if blk.PieceIndex != 0 {
		t.Fatalf("got piece %d, want rarest piece 0", blk.PieceIndex)
	}
}

func TestManager_NextRequest_ContinuesOngoingPieceBeforeNewOne(t *testing.T) {
	m := newTestManager(t, 2, 2*BlockLength)

	bf := fullBitfield(2)
	m.AddPeer("A", bf)

	blk1, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected first block")
	}

	blk2, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected second block")
	}

	// Both blocks should belong to the same piece (the one now pending)
	// before any other piece is touched, since it has an unfinished block.
	if blk1.PieceIndex != blk2.PieceIndex {
		t.Fatalf("expected both blocks from same piece, got %d and %d", blk1.PieceIndex, blk2.PieceIndex)
	}
	if blk1.Begin == blk2.Begin {
		t.Fatal("expected distinct blocks")
	}
}

func TestManager_NextRequest_DistinctBlocksUntilExhausted(t *testing.T) {
	m := newTestManager(t, 1, 2*BlockLength)
	bf := fullBitfield(1)
	m.AddPeer("A", bf)

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		blk, ok := m.NextRequest("A")
		if !ok {
			t.Fatalf("expected block %d", i)
		}
		if seen[blk.Begin] {
			t.Fatalf("got duplicate block begin %d", blk.Begin)
		}
		seen[blk.Begin] = true
	}

	if _, ok := m.NextRequest("A"); ok {
		t.Fatal("expected no more blocks once every block is pending")
	}
}

func TestManager_NextRequest_NeverReturnsBlockForUnadvertisedPiece(t *testing.T) {
	m := newTestManager(t, 2, BlockLength)

	bf := bitfield.New(2)
	bf.Set(1) // peer only has piece 1
	m.AddPeer("A", bf)

	blk, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected a block")
	}
	if blk.PieceIndex != 1 {
		t.Fatalf("got piece %d, want 1", blk.PieceIndex)
	}

	if _, ok := m.NextRequest("A"); ok {
		t.Fatal("expected no further block: piece 0 isn't advertised")
	}
}

func TestManager_BlockReceived_AllBlocksRequiredForCompletion(t *testing.T) {
	m := newTestManager(t, 1, 2*BlockLength)
	bf := fullBitfield(1)
	m.AddPeer("A", bf)

	blk1, _ := m.NextRequest("A")
	if err := m.BlockReceived("A", blk1.PieceIndex, blk1.Begin, make([]byte, blk1.Length)); err != nil {
		t.Fatalf("BlockReceived: %v", err)
	}

	if m.Complete() {
		t.Fatal("piece should not be complete with only one of two blocks received")
	}

	blk2, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected second block request")
	}
	_ = blk2
}

func TestManager_BlockReceived_HashMismatchResetsPiece(t *testing.T) {
	m := newTestManager(t, 1, BlockLength)
	bf := fullBitfield(1)
	m.AddPeer("A", bf)

	blk, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected a block")
	}

	// Wrong data: hash won't match, piece must reset rather than complete.
	if err := m.BlockReceived("A", blk.PieceIndex, blk.Begin, make([]byte, blk.Length)); err != nil {
		t.Fatalf("BlockReceived: %v", err)
	}
	if m.Complete() {
		t.Fatal("piece with mismatching hash must not be marked complete")
	}

	// The piece should be requestable again since it reset to missing.
	if _, ok := m.NextRequest("A"); !ok {
		t.Fatal("expected piece to be requestable again after reset")
	}
}

func TestManager_RemovePeer_ClearsAvailability(t *testing.T) {
	m := newTestManager(t, 1, BlockLength)
	bf := fullBitfield(1)
	m.AddPeer("A", bf)
	m.RemovePeer("A")

	if _, ok := m.NextRequest("A"); ok {
		t.Fatal("expected no blocks: peer was removed")
	}
}

func TestManager_ReclaimExpiredRequest(t *testing.T) {
	m := newTestManager(t, 1, BlockLength)
	bf := fullBitfield(1)
	m.AddPeer("A", bf)
	m.AddPeer("B", bf)

	blk, ok := m.NextRequest("A")
	if !ok {
		t.Fatal("expected a block for A")
	}

	// Force the pending request to look expired.
	m.exec(func() {
		for k, pr := range m.pendingRequests {
			pr.issuedAt = time.Now().Add(-2 * TExpire)
			m.pendingRequests[k] = pr
		}
	})

	reclaimed, ok := m.NextRequest("B")
	if !ok {
		t.Fatal("expected B to reclaim the expired request")
	}
	if reclaimed.PieceIndex != blk.PieceIndex || reclaimed.Begin != blk.Begin {
		t.Fatalf("expected reclaim of same block, got piece=%d begin=%d", reclaimed.PieceIndex, reclaimed.Begin)
	}
}

func TestManager_BytesUploaded_AlwaysZero(t *testing.T) {
	m := newTestManager(t, 1, BlockLength)
	if m.BytesUploaded() != 0 {
		t.Fatal("expected BytesUploaded to always be zero")
	}
}
