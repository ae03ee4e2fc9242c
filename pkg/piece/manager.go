// Package piece is the scheduling core: it tracks which pieces are missing,
// pending, or complete, decides what to request from which peer, and
// verifies and persists pieces once fully received.
//
// All mutable state is owned by a single goroutine (Run's loop); every
// other method funnels its work onto that goroutine over an unbuffered
// channel and blocks for the result. This is the "share memory by
// communicating" reading of the scheduling model: nothing here needs a
// mutex because nothing outside the loop ever touches the maps directly.
package piece

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"time"

	"github.com/prxssh/rabbit/pkg/availabilitybucket"
	"github.com/prxssh/rabbit/pkg/bitfield"
	"github.com/prxssh/rabbit/pkg/storage"
)

// TExpire is how long a pending request may sit unanswered before another
// peer is allowed to reclaim its slot.
const TExpire = 300 * time.Second

// Block is a scheduler-issued unit of work: fetch this many bytes starting
// at Begin within piece PieceIndex.
type Block struct {
	PieceIndex int
	Begin      int
	Length     int
}

type pendingKey struct {
	peerID     string
	pieceIndex int
	blockIndex int
}

type pendingRequest struct {
	peerID     string
	pieceIndex int
	blockIndex int
	issuedAt   time.Time
}

// Manager is the scheduler: the authoritative record of piece state and
// peer availability for one torrent.
type Manager struct {
	log *slog.Logger

	pieceLength int64
	totalSize   int64
	disk        *storage.Disk

	cmdCh chan func()

	missing       map[int]*piece
	pendingPieces map[int]*piece
	completeCount int
	totalPieces   int

	peerBitfields map[string]bitfield.Bitfield
	avail         *availabilitybucket.Bucket

	pendingRequests map[pendingKey]*pendingRequest

	bytesDownloaded int64
}

// NewManager constructs a Manager with every piece initially Missing.
func NewManager(
	hashes [][sha1.Size]byte,
	pieceLength int64,
	totalSize int64,
	disk *storage.Disk,
	log *slog.Logger,
) *Manager {
	total := len(hashes)

	missing := make(map[int]*piece, total)
	for i, h := range hashes {
		pl, err := PieceLengthAt(i, totalSize, pieceLength)
		if err != nil {
			pl = int(pieceLength)
		}
		missing[i] = newPiece(i, h, int64(pl))
	}

	return &Manager{
		log:             log,
		pieceLength:     pieceLength,
		totalSize:       totalSize,
		disk:            disk,
		cmdCh:           make(chan func()),
		missing:         missing,
		pendingPieces:   make(map[int]*piece),
		totalPieces:     total,
		peerBitfields:   make(map[string]bitfield.Bitfield),
		avail:           availabilitybucket.NewBucket(total, maxAvailBound(total)),
		pendingRequests: make(map[pendingKey]*pendingRequest),
	}
}

// maxAvailBound caps the availability bucket's level count. Peer pools are
// bounded by config (tens of peers in practice), so a generous fixed bound
// avoids plumbing the pool-size config through just for an array dimension.
func maxAvailBound(totalPieces int) int {
	if totalPieces == 0 {
		return 1
	}
	return 1024
}

// Run owns the scheduler loop. It must run on its own goroutine; every
// other Manager method is safe to call concurrently because it only ever
// talks to this loop over cmdCh.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.cmdCh:
			fn()
		case <-ticker.C:
			m.auditExpired()
		}
	}
}

func (m *Manager) exec(fn func()) {
	done := make(chan struct{})
	m.cmdCh <- func() { fn(); close(done) }
	<-done
}

// AddPeer records a peer's full bitfield, incrementing prevalence for
// every piece it advertises.
func (m *Manager) AddPeer(peerID string, bf bitfield.Bitfield) {
	m.exec(func() {
		m.peerBitfields[peerID] = bf
		for i := 0; i < m.totalPieces; i++ {
			if bf.Has(i) {
				m.avail.Move(i, 1)
			}
		}
	})
}

// UpdatePeer records a single Have: sets the bit and, only if it wasn't
// already set, increments prevalence for that piece index (not the peer
// id — indexing by peer id was one of the corrected source bugs).
func (m *Manager) UpdatePeer(peerID string, pieceIndex int) {
	m.exec(func() {
		bf, ok := m.peerBitfields[peerID]
		if !ok || pieceIndex < 0 || pieceIndex >= bf.Len() {
			return
		}
		if bf.Set(pieceIndex) {
			m.avail.Move(pieceIndex, 1)
		}
	})
}

// RemovePeer forgets a peer and decrements prevalence for every piece it
// had advertised.
func (m *Manager) RemovePeer(peerID string) {
	m.exec(func() {
		bf, ok := m.peerBitfields[peerID]
		if !ok {
			return
		}
		for i := 0; i < m.totalPieces; i++ {
			if bf.Has(i) {
				m.avail.Move(i, -1)
			}
		}
		delete(m.peerBitfields, peerID)
	})
}

// NextRequest returns the next block this peer should fetch, trying the
// three strata in order: reclaim an expired request, finish an
// already-started piece, or take the rarest new piece this peer has.
func (m *Manager) NextRequest(peerID string) (*Block, bool) {
	var (
		blk *Block
		ok  bool
	)
	m.exec(func() { blk, ok = m.nextRequest(peerID) })
	return blk, ok
}

func (m *Manager) nextRequest(peerID string) (*Block, bool) {
	bf, known := m.peerBitfields[peerID]
	if !known {
		return nil, false
	}

	if blk, ok := m.reclaimExpired(peerID, bf); ok {
		return blk, true
	}
	if blk, ok := m.continueOngoingPiece(peerID, bf); ok {
		return blk, true
	}
	return m.startRarestPiece(peerID, bf)
}

func (m *Manager) reclaimExpired(peerID string, bf bitfield.Bitfield) (*Block, bool) {
	now := time.Now()

	for key, pr := range m.pendingRequests {
		if now.Sub(pr.issuedAt) < TExpire {
			continue
		}
		if pr.pieceIndex >= bf.Len() || !bf.Has(pr.pieceIndex) {
			continue
		}

		pc, ok := m.pendingPieces[pr.pieceIndex]
		if !ok {
			delete(m.pendingRequests, key)
			continue
		}
		blk := pc.blocks[pr.blockIndex]

		delete(m.pendingRequests, key)
		newKey := pendingKey{peerID, pr.pieceIndex, pr.blockIndex}
		m.pendingRequests[newKey] = &pendingRequest{
			peerID:     peerID,
			pieceIndex: pr.pieceIndex,
			blockIndex: pr.blockIndex,
			issuedAt:   now,
		}

		return &Block{
			PieceIndex: pr.pieceIndex,
			Begin:      int(blk.begin),
			Length:     int(blk.length),
		}, true
	}

	return nil, false
}

func (m *Manager) continueOngoingPiece(peerID string, bf bitfield.Bitfield) (*Block, bool) {
	for idx, pc := range m.pendingPieces {
		if idx >= bf.Len() || !bf.Has(idx) {
			continue
		}

		bi, b, ok := pc.firstMissingBlock()
		if !ok {
			continue
		}

		b.status = blockPending
		m.pendingRequests[pendingKey{peerID, idx, bi}] = &pendingRequest{
			peerID: peerID, pieceIndex: idx, blockIndex: bi, issuedAt: time.Now(),
		}
		return &Block{PieceIndex: idx, Begin: int(b.begin), Length: int(b.length)}, true
	}

	return nil, false
}

func (m *Manager) startRarestPiece(peerID string, bf bitfield.Bitfield) (*Block, bool) {
	a, ok := m.avail.FirstNonEmpty()
	for ok {
		best := -1
		for _, idx := range m.avail.Bucket(a) {
			if _, isMissing := m.missing[idx]; !isMissing {
				continue
			}
			if idx >= bf.Len() || !bf.Has(idx) {
				continue
			}
			if best == -1 || idx < best {
				best = idx
			}
		}

		if best != -1 {
			pc := m.missing[best]
			delete(m.missing, best)
			m.pendingPieces[best] = pc

			bi, b, hasBlock := pc.firstMissingBlock()
			if !hasBlock {
				// Degenerate zero-block piece; treat as immediately done.
				m.completeCount++
				delete(m.pendingPieces, best)
				a, ok = m.avail.NextNonEmpty(a)
				continue
			}

			b.status = blockPending
			m.pendingRequests[pendingKey{peerID, best, bi}] = &pendingRequest{
				peerID: peerID, pieceIndex: best, blockIndex: bi, issuedAt: time.Now(),
			}
			return &Block{PieceIndex: best, Begin: int(b.begin), Length: int(b.length)}, true
		}

		a, ok = m.avail.NextNonEmpty(a)
	}

	return nil, false
}

// BlockReceived records a downloaded block. Once every block of its piece
// has arrived, the piece is hashed; on match it is written to disk and
// moved to complete, on mismatch every block reverts to Missing and the
// piece stays pending with no progress.
func (m *Manager) BlockReceived(peerID string, pieceIndex, begin int, data []byte) error {
	var err error
	m.exec(func() { err = m.blockReceived(peerID, pieceIndex, begin, data) })
	return err
}

func (m *Manager) blockReceived(peerID string, pieceIndex, begin int, data []byte) error {
	pc, ok := m.pendingPieces[pieceIndex]
	if !ok {
		return fmt.Errorf("piece: block received for piece %d not pending", pieceIndex)
	}

	blockIdx := BlockIndexForBegin(begin, int(pc.length), BlockLength)
	if blockIdx < 0 || blockIdx >= len(pc.blocks) {
		return fmt.Errorf("piece: invalid block begin %d for piece %d", begin, pieceIndex)
	}

	b := pc.blocks[blockIdx]
	b.status = blockReceived
	b.data = data

	delete(m.pendingRequests, pendingKey{peerID, pieceIndex, blockIdx})

	if !pc.isComplete() {
		return nil
	}

	assembled := pc.assemble()
	if sha1.Sum(assembled) != pc.hash {
		m.log.Warn("piece hash mismatch, resetting", "piece", pieceIndex)
		pc.reset()
		return nil
	}

	offset := int64(pieceIndex) * m.pieceLength
	if err := m.disk.WriteAt(assembled, offset); err != nil {
		return fmt.Errorf("piece: write piece %d: %w", pieceIndex, err)
	}

	delete(m.pendingPieces, pieceIndex)
	m.completeCount++
	m.bytesDownloaded += int64(len(assembled))

	m.log.Debug("piece verified and written", "piece", pieceIndex, "complete", m.completeCount, "total", m.totalPieces)

	return nil
}

// Complete reports whether every piece has been verified and written.
func (m *Manager) Complete() bool {
	var done bool
	m.exec(func() { done = m.completeCount == m.totalPieces })
	return done
}

// BytesDownloaded returns the total payload bytes verified so far.
func (m *Manager) BytesDownloaded() int64 {
	var n int64
	m.exec(func() { n = m.bytesDownloaded })
	return n
}

// BytesUploaded is always 0: this engine never seeds.
func (m *Manager) BytesUploaded() int64 { return 0 }

// PieceStates returns a snapshot of every piece's state: 0=missing,
// 1=pending, 2=complete, indexed by piece index.
func (m *Manager) PieceStates() []int {
	var out []int
	m.exec(func() {
		out = make([]int, m.totalPieces)
		for i := range out {
			out[i] = 2
		}
		for idx := range m.missing {
			out[idx] = 0
		}
		for idx := range m.pendingPieces {
			out[idx] = 1
		}
	})
	return out
}

func (m *Manager) auditExpired() {
	now := time.Now()
	n := 0
	for _, pr := range m.pendingRequests {
		if now.Sub(pr.issuedAt) >= TExpire {
			n++
		}
	}
	if n > 0 {
		m.log.Debug("pending requests eligible for reclaim", "count", n)
	}
}
