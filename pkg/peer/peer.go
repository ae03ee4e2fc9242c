package peer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/pkg/bitfield"
	"github.com/prxssh/rabbit/pkg/piece"
	"golang.org/x/sync/errgroup"
)

// TODO: make it configurable
const (
	readTimeout       = 45 * time.Second
	writeTimeout      = 45 * time.Second
	keepAliveInterval = 2 * time.Minute
	outboundLen       = 64
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

type Peer struct {
	conn net.Conn
	log  *slog.Logger

	addr netip.AddrPort

	// id is the remote's handshake peer-id, hex-encoded. It is what keys
	// this peer's entries in the piece manager, not addr — a peer can
	// redial on a new port/connection but keeps the same id.
	id string

	// lastActiveAt holds time.Now().UnixNano() of the last byte read from
	// the wire. Written by readLoop, read by the manager's heartbeat
	// sweep and Stats(), so it's atomic rather than a plain field.
	lastActiveAt atomic.Int64

	// state bitpacks AmChoking/AmInterested/PeerChoking/PeerInterested.
	// readLoop and SendInterested/SendNotInterested write it; requestLoop
	// and Stats() read it from other goroutines.
	state uint32

	bfMu sync.RWMutex
	bf   bitfield.Bitfield

	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte

	// mgr gives the peer access to the shared piece scheduler so its
	// request loop can ask what to fetch next and report what arrived.
	mgr *Manager

	outq    chan *Message
	grp     *errgroup.Group
	started bool
	cancel  context.CancelFunc

	// inflight counts requests sent but not yet answered. requestLoop
	// increments it, readLoop decrements it on each PIECE message.
	inflight atomic.Int32
}

func (p *Peer) getState(mask uint32) bool {
	return atomic.LoadUint32(&p.state)&mask != 0
}

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) bitfield() bitfield.Bitfield {
	p.bfMu.RLock()
	defer p.bfMu.RUnlock()

	return p.bf
}

func (p *Peer) setBitfield(bf bitfield.Bitfield) {
	p.bfMu.Lock()
	p.bf = bf
	p.bfMu.Unlock()
}

func (p *Peer) setBit(index int) {
	p.bfMu.Lock()
	p.bf.Set(index)
	p.bfMu.Unlock()
}

func (p *Peer) touchActivity() {
	p.lastActiveAt.Store(time.Now().UnixNano())
}

func (p *Peer) lastActivity() time.Time {
	return time.Unix(0, p.lastActiveAt.Load())
}

func Connect(
	ctx context.Context,
	mgr *Manager,
	addr netip.AddrPort,
	infoHash, clientID [sha1.Size]byte,
	pieceCount int,
) (*Peer, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   nil,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	l := slog.Default().With(
		"remote", conn.RemoteAddr().String(),
		"local", conn.LocalAddr().String(),
		"info_hash", hex.EncodeToString(infoHash[:]),
		"client_id", hex.EncodeToString(clientID[:]),
	)

	l.Info("peer.connected")

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	hs := NewHandshake(infoHash, clientID)
	remote, err := hs.Perform(conn)
	if err != nil {
		l.Warn("peer.handshake.failed", slog.String("err", err.Error()))

		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	peerID := hex.EncodeToString(remote.PeerID[:])
	l = l.With("peer_id", peerID)
	l.Info("peer.handshake.ok")

	p := &Peer{
		conn:     conn,
		log:      l,
		addr:     addr,
		id:       peerID,
		mgr:      mgr,
		infoHash: infoHash,
		clientID: clientID,
		bf:       bitfield.New(pieceCount),
		outq:     make(chan *Message, outboundLen),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.touchActivity()
	p.SendInterested()

	return p, nil
}

// run starts the peer's read, write, and request-pipelining loops. It
// must only be called once per peer.
func (p *Peer) run(ctx context.Context) {
	if p.started {
		p.log.Warn(
			"peer.start.ignored",
			slog.String("reason", "already started"),
		)
		return
	}
	p.started = true

	childCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(childCtx)

	p.cancel = cancel
	p.grp = g

	p.log.Info("peer.start")

	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.requestLoop(gctx) })

	_ = g.Wait()
	p.mgr.picker.RemovePeer(p.id)
}

func (p *Peer) cleanup() error {
	p.log.Info("peer.stop.begin")

	if p.cancel != nil {
		p.cancel()
	}

	_ = p.conn.Close()

	var err error
	if p.grp != nil {
		err = p.grp.Wait()
		p.grp = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("peer.stop.end", slog.String("err", err.Error()))
		return err
	}

	p.log.Info("peer.stop.end")

	return nil
}

func (p *Peer) SendInterested() {
	if p.AmInterested() {
		return
	}

	p.setState(maskAmInterested, true)
	p.outq <- MessageInterested()
}

func (p *Peer) SendNotInterested() {
	if !p.AmInterested() {
		return
	}

	p.setState(maskAmInterested, false)
	p.outq <- MessageNotInterested()
}

// PeerStats is a snapshot of one connection's protocol-level state, used
// for the orchestrator's progress reporting.
type PeerStats struct {
	Addr           string
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	PiecesHave     int
	LastActiveAt   time.Time
}

// Stats returns a point-in-time snapshot of this peer's state.
func (p *Peer) Stats() PeerStats {
	return PeerStats{
		Addr:           p.addr.String(),
		AmChoking:      p.AmChoking(),
		AmInterested:   p.AmInterested(),
		PeerChoking:    p.PeerChoking(),
		PeerInterested: p.PeerInterested(),
		PiecesHave:     p.bitfield().Count(),
		LastActiveAt:   p.lastActivity(),
	}
}

func (p *Peer) sendRequest(b *piece.Block) bool {
	select {
	case p.outq <- MessageRequest(b.PieceIndex, b.Begin, b.Length):
		return true
	default:
		return false
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	l := p.log.With("loop", "read")
	l.Info("loop.start")

	lastRecv := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.Info(
				"loop exit",
				slog.String("reason", "ctx"),
				slog.String("err", ctx.Err().Error()),
			)
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if time.Since(lastRecv) > 5*time.Minute {
				l.Warn(
					"peer.idle.timeout",
					slog.Duration(
						"idle",
						time.Since(lastRecv),
					),
				)

				return context.DeadlineExceeded
			}
			continue
		}
		if err != nil {
			l.Warn(
				"peer.read.error",
				slog.String("err", err.Error()),
			)

			return err
		}

		if msg == nil { // keep-alive
			l.Debug("peer.keepalive.recv")

			lastRecv = time.Now()
			p.touchActivity()
			continue
		}

		lastRecv = time.Now()
		p.touchActivity()

		switch msg.ID {
		case MsgChoke:
			l.Debug(
				"peer.msg",
				slog.String("message", MsgChoke.String()),
			)

			p.setState(maskPeerChoking, true)

		case MsgUnchoke:
			l.Debug(
				"peer.msg",
				slog.String("message", MsgUnchoke.String()),
			)

			p.setState(maskPeerChoking, false)

		case MsgInterested:
			l.Debug(
				"peer.msg",
				slog.String("message", MsgInterested.String()),
			)

			p.setState(maskPeerInterested, true)

		case MsgNotInterested:
			l.Debug(
				"peer.msg",
				slog.String(
					"message",
					MsgNotInterested.String(),
				),
			)

			p.setState(maskPeerInterested, false)

		case MsgBitfield:
			bf := bitfield.FromBytes(msg.Payload)
			p.setBitfield(bf)
			p.mgr.picker.AddPeer(p.id, bf.Clone())

			l.Debug(
				"peer.msg",
				slog.String("message", MsgBitfield.String()),
				slog.String("payload", bf.String()),
			)

			p.SendInterested()

		case MsgHave:
			pieceIdx, ok := msg.ParseHave()
			if !ok {
				continue
			}

			l.Debug(
				"peer.msg",
				slog.String("message", MsgHave.String()),
				slog.Uint64("piece_index", uint64(pieceIdx)),
			)

			p.setBit(int(pieceIdx))
			p.mgr.picker.UpdatePeer(p.id, int(pieceIdx))

		case MsgPiece:
			idx, begin, block, ok := msg.ParsePiece()
			if !ok {
				continue
			}

			l.Debug(
				"peer.msg",
				slog.String("message", MsgPiece.String()),
				slog.Uint64("index", uint64(idx)),
				slog.Uint64("begin", uint64(begin)),
			)

			p.inflight.Add(-1)
			if err := p.mgr.picker.BlockReceived(p.id, int(idx), int(begin), block); err != nil {
				l.Warn("peer.block.rejected", slog.String("err", err.Error()))
				continue
			}
			p.mgr.updateTotalDownloaded(len(block))

		case MsgRequest:
			l.Debug(
				"peer.msg",
				slog.String("message", MsgRequest.String()),
			)

		default:
			l.Warn(
				"peer.msg.unknown",
				slog.Int("message", int(msg.ID)),
			)
		}

	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	l := p.log.With("loop", "write")
	l.Info("loop.start")

	lastKeepAliveAt := time.Now().Add(-keepAliveInterval)
	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info(
				"loop.exit",
				slog.String("reason", "ctx"),
				slog.String("err", ctx.Err().Error()),
			)
			return ctx.Err()

		case msg, ok := <-p.outq:
			if !ok {
				l.Info("outq.closed")
				return nil
			}

			if err := p.writeMessage(msg); err != nil {
				l.Warn(
					"peer.write.error",
					slog.String("err", err.Error()),
				)
				return err
			}

			l.Debug(
				"peer.msg.sent",
				slog.String("message", msg.ID.String()),
			)

		case <-keepAliveTicker.C:
			if time.Since(lastKeepAliveAt) < keepAliveInterval {
				continue
			}
			if err := p.writeMessage(nil); err != nil {
				l.Warn(
					"peer.keepalive.send.error",
					slog.String("err", err.Error()),
				)
				return err
			}

			lastKeepAliveAt = time.Now()
			l.Debug("peer.keepalive.sent")
		}
	}
}

// requestLoop pipelines block requests to the peer while it is unchoked,
// never exceeding the configured per-peer inflight cap, and asks the
// scheduler for the next block whenever a slot frees up.
func (p *Peer) requestLoop(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.PeerChoking() || !p.AmInterested() {
				continue
			}

			for int(p.inflight.Load()) < p.mgr.cfg.MaxInflightRequestsPerPeer {
				blk, ok := p.mgr.picker.NextRequest(p.id)
				if !ok {
					break
				}
				if !p.sendRequest(blk) {
					break
				}
				p.inflight.Add(1)
			}
		}
	}
}

func (p *Peer) writeMessage(message *Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	return WriteMessage(p.conn, message)
}

func (p *Peer) readMessage() (*Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	return ReadMessage(p.conn)
}
