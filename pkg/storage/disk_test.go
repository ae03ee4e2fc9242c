package storage

import (
	"bytes"
	"testing"
)

func TestDisk_SingleFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(dir, "torrent", [][]string{{"file.bin"}}, []int64{10})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer d.Close()

	want := []byte("0123456789")
	if err := d.WriteAt(want, 0); err != nil {
		t.Fatalf("WriteAt error: %v", err)
	}

	got := make([]byte, 10)
	if err := d.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDisk_MultiFile_StraddlesBoundary(t *testing.T) {
	dir := t.TempDir()

	// Two files: a (5 bytes) at [0,5), b (5 bytes) at [5,10).
	d, err := Open(
		dir, "torrent",
		[][]string{{"a"}, {"sub", "b"}},
		[]int64{5, 5},
	)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer d.Close()

	piece := []byte("abcdefghij")
	if err := d.WriteAt(piece, 0); err != nil {
		t.Fatalf("WriteAt error: %v", err)
	}

	gotA := make([]byte, 5)
	if err := d.ReadAt(gotA, 0); err != nil {
		t.Fatalf("ReadAt a: %v", err)
	}
	if !bytes.Equal(gotA, []byte("abcde")) {
		t.Fatalf("file a = %q, want abcde", gotA)
	}

	gotB := make([]byte, 5)
	if err := d.ReadAt(gotB, 5); err != nil {
		t.Fatalf("ReadAt b: %v", err)
	}
	if !bytes.Equal(gotB, []byte("fghij")) {
		t.Fatalf("file b = %q, want fghij", gotB)
	}
}

func TestDisk_PartialWriteWithinOneFile(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(dir, "torrent", [][]string{{"a"}, {"b"}}, []int64{8, 8})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer d.Close()

	// A write entirely inside the second file's range.
	if err := d.WriteAt([]byte("XYZ"), 9); err != nil {
		t.Fatalf("WriteAt error: %v", err)
	}

	got := make([]byte, 8)
	if err := d.ReadAt(got, 8); err != nil {
		t.Fatalf("ReadAt error: %v", err)
	}
	want := []byte{0, 'X', 'Y', 'Z', 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
