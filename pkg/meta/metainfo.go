// Package meta parses .torrent metainfo files into a typed view: piece
// layout, file list, tracker tiers, and the info-hash that identifies the
// swarm to trackers and peers.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prxssh/rabbit/pkg/bencode"
	"github.com/prxssh/rabbit/pkg/utils/cast"
)

// Metainfo is the parsed content of a .torrent file.
type Metainfo struct {
	Info *Info

	// InfoHash is the SHA-1 of the re-encoded info dictionary, computed at
	// parse time from the exact bytes the dictionary was decoded from.
	InfoHash [sha1.Size]byte

	// Announce is the primary tracker URL.
	Announce string

	// AnnounceList is every tier from the announce-list extension,
	// flattened into a single slice in tier-then-url order, with repeated
	// URLs kept only at their first position.
	AnnounceList []string

	// AnnounceTiers preserves the original tier grouping so callers that
	// care about per-tier retry order (the way the reference client
	// rotates within a tier before falling through to the next) don't
	// have to reconstruct it.
	AnnounceTiers [][]string

	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
}

// Info is the parsed `info` dictionary: piece layout and file placement.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool

	// Length is the total size for a single-file torrent; 0 for
	// multi-file torrents, where Files carries the layout instead.
	Length int64
	Files  []*File
}

// File is one entry of a multi-file torrent's file list.
type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Size returns the total content size across all files.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}
	if len(m.Info.Files) == 0 {
		return 0
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// TotalPieces returns the number of pieces the info dictionary describes.
func (m *Metainfo) TotalPieces() int {
	return len(m.Info.Pieces)
}

// PieceHashes ranges over (index, hash) for every piece in order.
func (m *Metainfo) PieceHashes() iter.Seq2[int, [sha1.Size]byte] {
	return func(yield func(int, [sha1.Size]byte) bool) {
		for i, h := range m.Info.Pieces {
			if !yield(i, h) {
				return
			}
		}
	}
}

// PieceLen returns the length of piece i, accounting for the final piece
// being shorter than PieceLength when the total size isn't an exact
// multiple of it.
func (m *Metainfo) PieceLen(i int) int64 {
	total := m.TotalPieces()
	if i < total-1 {
		return m.Info.PieceLength
	}
	return m.Size() - m.Info.PieceLength*int64(total-1)
}

// ParseMetainfo decodes a bencoded .torrent file into a Metainfo.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(*bencode.Dict)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announceV, _ := root.Get("announce")
	announce, err := parseOptionalString(announceV)
	if err != nil {
		return nil, err
	}
	announceListV, _ := root.Get("announce-list")
	tiers, err := parseAnnounceList(announceListV)
	if err != nil {
		return nil, err
	}
	if announce == "" && len(tiers) == 0 {
		return nil, ErrAnnounceMissing
	}

	flat := make([]string, 0, len(tiers))
	seen := make(map[string]bool)
	for _, tier := range tiers {
		for _, u := range tier {
			if !seen[u] {
				seen[u] = true
				flat = append(flat, u)
			}
		}
	}

	var creationDate time.Time
	if v, ok := root.Get("creation date"); ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdByV, _ := root.Get("created by")
	createdBy, err := parseOptionalString(createdByV)
	if err != nil {
		return nil, err
	}
	commentV, _ := root.Get("comment")
	comment, err := parseOptionalString(commentV)
	if err != nil {
		return nil, err
	}
	encodingV, _ := root.Get("encoding")
	encoding, err := parseOptionalString(encodingV)
	if err != nil {
		return nil, err
	}

	infoV, ok := root.Get("info")
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoV.(*bencode.Dict)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: flat,
		AnnounceTiers: tiers,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(dict *bencode.Dict) (*Info, error) {
	var (
		out Info
		err error
	)

	nameV, ok := dict.Get("name")
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = cast.ToString(nameV)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plV, ok := dict.Get("piece length")
	if !ok {
		return nil, ErrPieceLenMissing
	}
	out.PieceLength, err = cast.ToInt(plV)
	if err != nil || out.PieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	piecesV, _ := dict.Get("pieces")
	out.Pieces, err = parsePieces(piecesV)
	if err != nil {
		return nil, err
	}

	if v, ok := dict.Get("private"); ok {
		privInt, err := cast.ToInt(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		out.Private = privInt == 1
	}

	lengthV, hasLength := dict.Get("length")
	filesV, hasFiles := dict.Get("files")

	switch {
	case hasLength && !hasFiles:
		out.Length, err = cast.ToInt(lengthV)
		if err != nil || out.Length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesV)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(*bencode.Dict)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m.Get("length")
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m.Get("path")
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return [][]string{}, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

// infoHash re-encodes dict (preserving its parsed key order, see
// bencode.Dict) and hashes the result, so the hash depends only on the
// original bytes and not on Go's map iteration order.
func infoHash(dict *bencode.Dict) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(dict)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}
