package piece

import "crypto/sha1"

// blockStatus tracks where a block sits in the request/receive lifecycle.
type blockStatus uint8

const (
	blockMissing blockStatus = iota
	blockPending
	blockReceived
)

type block struct {
	begin  int32
	length int32
	status blockStatus
	data   []byte
}

// piece is one piece's block table plus enough metadata to verify and
// write it once every block is in.
type piece struct {
	index  int
	hash   [sha1.Size]byte
	length int64
	blocks []*block
}

func newPiece(index int, hash [sha1.Size]byte, length int64) *piece {
	n := BlocksInPiece(int(length))
	blocks := make([]*block, n)
	for i := range blocks {
		begin, l, _ := BlockBounds(int(length), i)
		blocks[i] = &block{begin: int32(begin), length: int32(l)}
	}
	return &piece{index: index, hash: hash, length: length, blocks: blocks}
}

// firstMissingBlock returns the first block still in blockMissing state, in
// ascending offset order.
func (p *piece) firstMissingBlock() (idx int, b *block, ok bool) {
	for i, blk := range p.blocks {
		if blk.status == blockMissing {
			return i, blk, true
		}
	}
	return 0, nil, false
}

// isComplete reports whether every block has been received. It is
// deliberately an "all" check, not "any" — a piece with some but not all
// blocks in is not complete.
func (p *piece) isComplete() bool {
	for _, b := range p.blocks {
		if b.status != blockReceived {
			return false
		}
	}
	return true
}

// assemble concatenates block payloads in ascending offset order.
func (p *piece) assemble() []byte {
	out := make([]byte, 0, p.length)
	for _, b := range p.blocks {
		out = append(out, b.data...)
	}
	return out
}

// reset reverts every block to blockMissing and drops any buffered data,
// so the piece goes back to square one after a hash mismatch.
func (p *piece) reset() {
	for _, b := range p.blocks {
		b.status = blockMissing
		b.data = nil
	}
}
