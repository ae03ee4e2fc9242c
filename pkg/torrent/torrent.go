package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	mr "math/rand"
	"sync"
	"time"

	"github.com/prxssh/rabbit/pkg/config"
	"github.com/prxssh/rabbit/pkg/meta"
	"github.com/prxssh/rabbit/pkg/peer"
	"github.com/prxssh/rabbit/pkg/piece"
	"github.com/prxssh/rabbit/pkg/storage"
	"github.com/prxssh/rabbit/pkg/tracker"
	"golang.org/x/sync/errgroup"
)

type Client struct {
	ctx      context.Context
	clientID [sha1.Size]byte
	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
	log      *slog.Logger
}

func NewClient() (*Client, error) {
	config.Init()

	log := slog.Default().With("src", "torrent_client")

	clientID, err := generateClientID()
	if err != nil {
		log.Error("failed to generate client ID", "error", err)
		return nil, err
	}

	log.Info(
		"client initialized",
		"client_id",
		hex.EncodeToString(clientID[:8]),
	)

	return &Client{
		torrents: make(map[[sha1.Size]byte]*Torrent),
		clientID: clientID,
		log:      log,
	}, nil
}

func (c *Client) Startup(ctx context.Context) {
	c.ctx = ctx
}

// AddTorrent parses a .torrent file and starts downloading it into
// downloadDir.
func (c *Client) AddTorrent(data []byte, downloadDir string) (*Torrent, error) {
	torrent, err := NewTorrent(c.clientID, data, downloadDir)
	if err != nil {
		c.log.Error(
			"failed to parse torrent",
			"error",
			err,
			"size",
			len(data),
		)
		return nil, err
	}

	infoHashHex := hex.EncodeToString(torrent.Metainfo.InfoHash[:])
	c.log.Info(
		"adding torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", torrent.Size,
		"pieces", torrent.Metainfo.TotalPieces(),
	)

	c.mu.Lock()
	c.torrents[torrent.Metainfo.InfoHash] = torrent
	c.mu.Unlock()

	go func() { _ = torrent.Run(c.ctx) }()
	return torrent, nil
}

func (c *Client) RemoveTorrent(infoHashHex string) error {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		c.log.Error(
			"invalid info hash",
			"hash",
			infoHashHex,
			"error",
			err,
		)
		return err
	}
	copy(infoHash[:], raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	torrent, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Info(
		"removing torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
	)

	torrent.Stop()
	delete(c.torrents, infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		return nil
	}
	copy(infoHash[:], raw)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return torrent.GetStats()
}

func (c *Client) GetConfig() *config.Config {
	return config.Load()
}

func (c *Client) UpdateConfig(cfg *config.Config) {
	config.Swap(*cfg)
}

// Torrent represents a single BitTorrent download session.
//
// It coordinates the tracker announce loop, peer management, and piece
// selection for downloading a torrent. Call Run to start the download and Stop
// to gracefully terminate it.
type Torrent struct {
	// Size is the total byte size of the torrent content.
	Size int64 `json:"size"`

	// ClientID is this client's unique 20-byte peer ID.
	ClientID [sha1.Size]byte `json:"clientId"`

	// Metainfo contains the parsed torrent metadata.
	Metainfo *meta.Metainfo `json:"metainfo"`

	// tracker handles communication with the torrent tracker.
	tracker *tracker.Tracker `json:"-"`

	// pieceManager schedules piece/block requests and verifies and
	// persists completed pieces.
	pieceManager *piece.Manager `json:"-"`

	// peerManager coordinates all peer connections and downloads.
	peerManager *peer.Manager `json:"-"`

	// disk is the on-disk file layout for this torrent's content.
	disk *storage.Disk `json:"-"`

	// internal lifecycle management.
	cancel   context.CancelFunc
	stopOnce sync.Once

	// log is the default logger for this torrent.
	log *slog.Logger

	refillPeerQ chan struct{}
}

func NewTorrent(
	clientID [sha1.Size]byte,
	data []byte,
	downloadDir string,
) (*Torrent, error) {
	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}
	size := metainfo.Size()

	log := slog.Default().With("torrent", metainfo.Info.Name)

	trk, err := tracker.NewTracker(
		metainfo.Announce,
		metainfo.AnnounceTiers,
		log,
	)
	if err != nil {
		return nil, err
	}

	disk, err := openDisk(downloadDir, metainfo)
	if err != nil {
		return nil, err
	}

	hashes := make([][sha1.Size]byte, 0, metainfo.TotalPieces())
	for _, h := range metainfo.Info.Pieces {
		hashes = append(hashes, h)
	}

	pieceManager := piece.NewManager(
		hashes,
		metainfo.Info.PieceLength,
		size,
		disk,
		log,
	)

	refillPeerQ := make(chan struct{}, 1)

	peerManager := peer.NewManager(
		clientID,
		metainfo.InfoHash,
		metainfo.TotalPieces(),
		metainfo.Info.PieceLength,
		pieceManager,
		disk,
		nil,
	)

	return &Torrent{
		Size:         size,
		ClientID:     clientID,
		Metainfo:     metainfo,
		log:          log,
		tracker:      trk,
		pieceManager: pieceManager,
		peerManager:  peerManager,
		disk:         disk,
		refillPeerQ:  refillPeerQ,
	}, nil
}

// openDisk lays out the torrent's files under downloadDir/<name>.
func openDisk(downloadDir string, mi *meta.Metainfo) (*storage.Disk, error) {
	var (
		paths [][]string
		lens  []int64
	)

	for _, f := range mi.Info.Files {
		paths = append(paths, f.Path)
		lens = append(lens, f.Length)
	}

	if len(mi.Info.Files) == 0 {
		paths = append(paths, []string{mi.Info.Name})
		lens = append(lens, mi.Info.Length)
	}

	return storage.Open(downloadDir, mi.Info.Name, paths, lens)
}

func (t *Torrent) Run(ctx context.Context) error {
	t.log.Info("torrent starting")
	ctx, t.cancel = context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return t.announceLoop(ctx) })
	eg.Go(func() error { return t.pieceManager.Run(ctx) })
	eg.Go(func() error { return t.peerManager.Run(ctx) })

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-t.refillPeerQ:
				if !ok {
					return nil
				}
				resp, err := t.tracker.Announce(
					ctx,
					t.buildAnnounceParams(),
				)
				if err != nil {
					t.log.Error(
						"failed refill peer",
						"error",
						err,
					)
					continue
				}
				t.log.Debug(
					"refilled peers",
					"count", len(resp.Peers),
				)
				t.peerManager.AdmitPeers(resp.Peers)
			}
		}
	})

	err := eg.Wait()
	_ = t.disk.Close()
	t.log.Info("torrent stopped", "error", err)
	return err
}

func (t *Torrent) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// Stats represents download progress and statistics for a torrent.
type Stats struct {
	Downloaded   int64            `json:"downloaded"`
	Uploaded     int64            `json:"uploaded"`
	DownloadRate int64            `json:"downloadRate"`
	UploadRate   int64            `json:"uploadRate"`
	Progress     float64          `json:"progress"`
	Peers        []peer.PeerStats `json:"peers"`
	PieceStates  []int            `json:"pieceStates"`
	Complete     bool             `json:"complete"`
}

func (t *Torrent) GetStats() *Stats {
	stats := t.peerManager.Stats()
	downloaded := t.pieceManager.BytesDownloaded()

	progress := 0.0
	if t.Size > 0 {
		progress = (float64(downloaded) / float64(t.Size)) * 100.0
	}

	return &Stats{
		Progress:     progress,
		Downloaded:   downloaded,
		Uploaded:     t.pieceManager.BytesUploaded(),
		DownloadRate: stats.DownloadRate,
		UploadRate:   stats.UploadRate,
		Peers:        t.peerManager.GetAllPeersStats(),
		PieceStates:  t.pieceManager.PieceStates(),
		Complete:     t.pieceManager.Complete(),
	}
}

func (t *Torrent) announceLoop(ctx context.Context) error {
	const maxBackoffShift = 4
	consecutiveFailures := 0

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(
				context.Background(),
				10*time.Second,
			)
			defer cancel()

			announceParams := t.buildAnnounceParams()
			announceParams.Event = tracker.EventStopped
			_, _ = t.tracker.Announce(stopCtx, announceParams)

			return ctx.Err()
		case <-ticker.C:
			resp, err := t.tracker.Announce(
				ctx,
				t.buildAnnounceParams(),
			)
			if err != nil {
				consecutiveFailures++
				backoff := t.calculateBackoff(
					consecutiveFailures,
					maxBackoffShift,
				)
				t.log.Error(
					"announce failed",
					"error",
					err,
					"failures",
					consecutiveFailures,
					"retry_in",
					backoff,
				)

				ticker.Reset(backoff)
				continue
			}

			consecutiveFailures = 0
			t.log.Debug(
				"announce successful",
				"peers", len(resp.Peers),
				"interval", resp.Interval,
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)
			t.peerManager.AdmitPeers(resp.Peers)
			interval := t.getNextAnnounceInterval(resp)

			ticker.Reset(interval)
		}
	}
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	downloaded := uint64(t.pieceManager.BytesDownloaded())

	event := tracker.EventStarted
	if t.Size > 0 && uint64(t.Size) <= downloaded {
		event = tracker.EventCompleted
	}

	left := uint64(0)
	if uint64(t.Size) > downloaded {
		left = uint64(t.Size) - downloaded
	}

	return &tracker.AnnounceParams{
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.ClientID,
		Port:       config.Load().Port,
		Uploaded:   uint64(t.pieceManager.BytesUploaded()),
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    config.Load().NumWant,
	}
}

func (t *Torrent) getNextAnnounceInterval(
	resp *tracker.AnnounceResponse,
) time.Duration {
	interval := config.Load().AnnounceInterval
	if interval == 0 {
		interval = 30 * time.Minute
	}

	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}

	if config.Load().MinAnnounceInterval > 0 &&
		interval < config.Load().MinAnnounceInterval {
		interval = config.Load().MinAnnounceInterval
	}

	return interval
}

func (t *Torrent) calculateBackoff(failures int, maxShift int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := baseDelay * (1 << uint(shift))

	if delay > config.Load().MaxAnnounceBackoff {
		delay = config.Load().MaxAnnounceBackoff
	}

	jitter := time.Duration(mr.Int63n(int64(delay) / 2))
	return delay - (delay / 4) + jitter
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte(config.Load().ClientIDPrefix)
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
