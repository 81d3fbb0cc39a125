// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replay

import (
	"path/filepath"
	"testing"
	"time"

	"grimm.is/knockd/internal/spa"
)

func digest(b byte) spa.Digest { return spa.Digest{b, b, b, b} }

func TestFileStore_NoDoubleAccept(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(filepath.Join(dir, "digest.cache"), nil)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	d := digest(7)
	ctx := Context{Proto: "tcp", SrcIP: "203.0.113.7", SrcPort: 4321, DstIP: "198.51.100.1", DstPort: 22, FirstSeen: time.Unix(1700000000, 0)}

	status, _, err := s.CheckAndRecord(d, ctx)
	if err != nil {
		t.Fatalf("first CheckAndRecord: %v", err)
	}
	if status != Fresh {
		t.Fatalf("first status = %v, want Fresh", status)
	}

	status, got, err := s.CheckAndRecord(d, Context{Proto: "udp", SrcIP: "198.51.100.2", SrcPort: 1, DstIP: "198.51.100.1", DstPort: 53, FirstSeen: time.Unix(1700000100, 0)})
	if err != nil {
		t.Fatalf("second CheckAndRecord: %v", err)
	}
	if status != Replayed {
		t.Fatalf("second status = %v, want Replayed", status)
	}
	if got.SrcIP != ctx.SrcIP || got.Proto != ctx.Proto || got.SrcPort != ctx.SrcPort || got.DstIP != ctx.DstIP || got.DstPort != ctx.DstPort {
		t.Errorf("replay context = %+v, want original %+v", got, ctx)
	}
}

func TestFileStore_RestartDurability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.cache")

	s1, err := OpenFileStore(path, nil)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	d := digest(9)
	if _, _, err := s1.CheckAndRecord(d, Context{Proto: "tcp", SrcIP: "203.0.113.7", SrcPort: 4321, DstIP: "198.51.100.1", DstPort: 22, FirstSeen: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenFileStore(path, nil)
	if err != nil {
		t.Fatalf("reopen OpenFileStore: %v", err)
	}
	defer s2.Close()

	status, _, err := s2.CheckAndRecord(d, Context{Proto: "tcp", SrcIP: "198.51.100.2", SrcPort: 1, DstIP: "198.51.100.1", DstPort: 22, FirstSeen: time.Unix(1700000200, 0)})
	if err != nil {
		t.Fatalf("CheckAndRecord after reopen: %v", err)
	}
	if status != Replayed {
		t.Fatalf("status after reopen = %v, want Replayed", status)
	}
}

func TestFileStore_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.cache")
	s, err := OpenFileStore(path, nil)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	d := digest(3)
	if _, _, err := s.CheckAndRecord(d, Context{Proto: "tcp", SrcIP: "203.0.113.7", SrcPort: 4321, DstIP: "198.51.100.1", DstPort: 22, FirstSeen: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}

	if err := s.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	status, _, err := s.CheckAndRecord(d, Context{Proto: "tcp", SrcIP: "203.0.113.7", SrcPort: 4321, DstIP: "198.51.100.1", DstPort: 22, FirstSeen: time.Unix(1700000300, 0)})
	if err != nil {
		t.Fatalf("CheckAndRecord after rotate: %v", err)
	}
	if status != Fresh {
		t.Fatalf("status after rotate = %v, want Fresh (rotation clears the index)", status)
	}
}

func TestFileStore_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.cache")

	s, err := OpenFileStore(path, nil)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if _, err := s.f.WriteString("not a valid line\n"); err != nil {
		t.Fatalf("write malformed line: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenFileStore(path, nil)
	if err != nil {
		t.Fatalf("reopen after malformed line: %v", err)
	}
	defer s2.Close()
}

func TestIndexedStore_NoDoubleAccept(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenIndexedStore(filepath.Join(dir, "digest.db"))
	if err != nil {
		t.Fatalf("OpenIndexedStore: %v", err)
	}
	defer s.Close()

	d := digest(5)
	ctx := Context{SrcIP: "203.0.113.7", FirstSeen: time.Unix(1700000000, 0)}

	status, _, err := s.CheckAndRecord(d, ctx)
	if err != nil {
		t.Fatalf("first CheckAndRecord: %v", err)
	}
	if status != Fresh {
		t.Fatalf("first status = %v, want Fresh", status)
	}

	status, _, err = s.CheckAndRecord(d, ctx)
	if err != nil {
		t.Fatalf("second CheckAndRecord: %v", err)
	}
	if status != Replayed {
		t.Fatalf("second status = %v, want Replayed", status)
	}
}

func TestIndexedStore_Rotate(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenIndexedStore(filepath.Join(dir, "digest.db"))
	if err != nil {
		t.Fatalf("OpenIndexedStore: %v", err)
	}
	defer s.Close()

	d := digest(2)
	ctx := Context{SrcIP: "203.0.113.7", FirstSeen: time.Unix(1700000000, 0)}
	if _, _, err := s.CheckAndRecord(d, ctx); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if err := s.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	status, _, err := s.CheckAndRecord(d, ctx)
	if err != nil {
		t.Fatalf("CheckAndRecord after rotate: %v", err)
	}
	if status != Fresh {
		t.Fatalf("status after rotate = %v, want Fresh", status)
	}
}
