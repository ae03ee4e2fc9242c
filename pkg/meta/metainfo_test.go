package meta

import (
	"bytes"
	"crypto/sha1"
	"reflect"
	"testing"
	"time"

	"github.com/prxssh/rabbit/pkg/bencode"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func dictOf(pairs ...any) *bencode.Dict {
	d := bencode.NewDict()
	for i := 0; i < len(pairs); i += 2 {
		d.Set(pairs[i].(string), pairs[i+1])
	}
	return d
}

func TestParseMetainfo_SingleFile_OK(t *testing.T) {
	info := dictOf(
		"name", "file.txt",
		"piece length", int64(16384),
		"pieces", mkPieces(2),
		"length", int64(1234),
	)
	root := dictOf(
		"announce", "http://tracker",
		"creation date", int64(1700000000),
		"created by", "tester",
		"comment", "hello",
		"encoding", "UTF-8",
		"info", info,
	)

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	if mi.Announce != "http://tracker" {
		t.Fatalf("announce = %q", mi.Announce)
	}
	if len(mi.AnnounceList) != 0 {
		t.Fatalf("announce-list = %#v, want empty", mi.AnnounceList)
	}

	wantDate := time.Unix(1700000000, 0).UTC()
	if !mi.CreationDate.Equal(wantDate) {
		t.Fatalf("creation date = %v, want %v", mi.CreationDate, wantDate)
	}
	if mi.CreatedBy != "tester" || mi.Comment != "hello" || mi.Encoding != "UTF-8" {
		t.Fatalf("metadata fields mismatch: %#v", mi)
	}

	if mi.Info == nil {
		t.Fatalf("info is nil")
	}
	if mi.Info.Name != "file.txt" {
		t.Fatalf("name = %q", mi.Info.Name)
	}
	if mi.Info.PieceLength != 16384 {
		t.Fatalf("piece length = %d", mi.Info.PieceLength)
	}
	if len(mi.Info.Pieces) != 2 {
		t.Fatalf("pieces len = %d, want 2", len(mi.Info.Pieces))
	}
	if mi.Info.Length != 1234 || len(mi.Info.Files) != 0 {
		t.Fatalf("layout mismatch: length=%d files=%d", mi.Info.Length, len(mi.Info.Files))
	}

	hashed, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	wantHash := sha1.Sum(hashed)
	if mi.InfoHash != wantHash {
		t.Fatalf("info hash mismatch")
	}
}

func TestParseMetainfo_InfoHash_OrderIndependent(t *testing.T) {
	// Keys deliberately out of alphabetical order, as a real torrent
	// author's encoder might emit them.
	info := dictOf(
		"pieces", mkPieces(1),
		"name", "x",
		"length", int64(1),
		"piece length", int64(1),
	)
	root := dictOf("announce", "http://t", "info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	want := sha1.Sum([]byte(
		"d6:pieces20:" + string(mkPieces(1)) + "4:name1:x6:lengthi1e12:piece lengthi1ee",
	))
	if mi.InfoHash != want {
		t.Fatalf("info hash = %x, want %x (key order must be preserved from the wire)", mi.InfoHash, want)
	}
}

func TestParseMetainfo_MultiFile_OK(t *testing.T) {
	files := []any{
		dictOf("length", int64(10), "path", []any{"a", "b.txt"}),
		dictOf("length", int64(20), "path", []any{"c.txt"}),
	}

	info := dictOf(
		"name", "dir",
		"piece length", int64(32768),
		"pieces", mkPieces(1),
		"files", files,
		"private", int64(1),
	)
	root := dictOf("announce", "udp://tracker", "info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	if mi.Info == nil || mi.Info.Private != true {
		t.Fatalf("private flag not parsed")
	}
	if mi.Info.Length != 0 || len(mi.Info.Files) != 2 {
		t.Fatalf("files parsed incorrectly: %+v", mi.Info)
	}
	if got := mi.Info.Files[0].Length; got != 10 {
		t.Fatalf("file0 length = %d", got)
	}
	if want := []string{"a", "b.txt"}; !reflect.DeepEqual(mi.Info.Files[0].Path, want) {
		t.Fatalf("file0 path = %#v, want %#v", mi.Info.Files[0].Path, want)
	}
}

func TestParseMetainfo_AnnounceListOnly_OK(t *testing.T) {
	info := dictOf(
		"name", "f",
		"piece length", int64(16384),
		"pieces", mkPieces(1),
		"length", int64(1),
	)

	tiers := []any{
		[]any{"http://t1", "http://t1b"},
		[]any{"http://t2"},
	}

	root := dictOf("announce-list", tiers, "info", info)
	data, _ := bencode.Marshal(root)

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}
	if mi.Announce != "" || len(mi.AnnounceList) != 3 {
		t.Fatalf("announce/announce-list mismatch: %#v", mi)
	}
	if len(mi.AnnounceTiers) != 2 {
		t.Fatalf("announce tiers = %#v, want 2 tiers", mi.AnnounceTiers)
	}
}

func TestParseMetainfo_TopLevelAndRequiredErrors(t *testing.T) {
	data, _ := bencode.Marshal([]any{"x"})
	if _, err := ParseMetainfo(data); err != ErrTopLevelNotDict {
		t.Fatalf("want ErrTopLevelNotDict, got %v", err)
	}

	info := dictOf(
		"name", "f",
		"piece length", int64(1),
		"pieces", mkPieces(1),
		"length", int64(1),
	)
	root := dictOf("info", info)
	data, _ = bencode.Marshal(root)
	if _, err := ParseMetainfo(data); err != ErrAnnounceMissing {
		t.Fatalf("want ErrAnnounceMissing, got %v", err)
	}

	root = dictOf("announce", "x")
	data, _ = bencode.Marshal(root)
	if _, err := ParseMetainfo(data); err != ErrInfoMissing {
		t.Fatalf("want ErrInfoMissing, got %v", err)
	}

	root = dictOf("announce", "x", "info", "oops")
	data, _ = bencode.Marshal(root)
	if _, err := ParseMetainfo(data); err != ErrInfoNotDict {
		t.Fatalf("want ErrInfoNotDict, got %v", err)
	}
}

func TestParseInfo_ValidationErrors(t *testing.T) {
	_, err := parseInfo(dictOf("name", "f", "pieces", mkPieces(1), "length", int64(1)))
	if err != ErrPieceLenMissing {
		t.Fatalf("want ErrPieceLenMissing, got %v", err)
	}

	_, err = parseInfo(dictOf(
		"name", "f", "piece length", int64(0),
		"pieces", mkPieces(1), "length", int64(1),
	))
	if err != ErrPieceLenNonPositive {
		t.Fatalf("want ErrPieceLenNonPositive, got %v", err)
	}

	_, err = parseInfo(dictOf("name", "f", "piece length", int64(1), "length", int64(1)))
	if err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}

	_, err = parseInfo(dictOf(
		"name", "f", "piece length", int64(1), "pieces", mkPieces(1),
		"length", int64(1), "private", int64(2),
	))
	if err == nil || !contains(err.Error(), "invalid 'private'") {
		t.Fatalf("want invalid private flag, got %v", err)
	}

	_, err = parseInfo(dictOf(
		"name", "f", "piece length", int64(1), "pieces", mkPieces(1),
		"length", int64(1),
		"files", []any{dictOf("length", int64(1), "path", []any{"a"})},
	))
	if err != ErrLayoutInvalid {
		t.Fatalf("want ErrLayoutInvalid, got %v", err)
	}

	_, err = parseInfo(dictOf("name", "f", "piece length", int64(1), "pieces", mkPieces(1)))
	if err != ErrLayoutInvalid {
		t.Fatalf("want ErrLayoutInvalid, got %v", err)
	}
}

func TestParsePieces_Errors(t *testing.T) {
	if _, err := parsePieces(nil); err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}
	if _, err := parsePieces(123); err == nil || !contains(err.Error(), "'pieces'") {
		t.Fatalf("want pieces type error, got %v", err)
	}
	if _, err := parsePieces([]byte("short")); err != ErrPiecesLenInvalid {
		t.Fatalf("want ErrPiecesLenInvalid, got %v", err)
	}
}

func TestMetainfo_Size_And_TotalPieces(t *testing.T) {
	if got := (&Metainfo{Info: &Info{Length: 42}}).Size(); got != 42 {
		t.Fatalf("single-file total = %d, want 42", got)
	}

	got := (&Metainfo{Info: &Info{Files: []*File{{Length: 10}, {Length: 5}}}}).Size()
	if got != 15 {
		t.Fatalf("multi-file total = %d, want 15", got)
	}

	mi := &Metainfo{Info: &Info{Length: 32770, PieceLength: 16384, Pieces: make([][sha1.Size]byte, 3)}}
	if mi.TotalPieces() != 3 {
		t.Fatalf("total pieces = %d, want 3", mi.TotalPieces())
	}
	if got := mi.PieceLen(2); got != 2 {
		t.Fatalf("final piece length = %d, want 2", got)
	}
	if got := mi.PieceLen(0); got != 16384 {
		t.Fatalf("piece 0 length = %d, want 16384", got)
	}
}

func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}
