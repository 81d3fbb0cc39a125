// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replay

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/logging"
	"grimm.is/knockd/internal/spa"
)

// FileStore is an append-only text log of accepted digests, rebuilt
// into an in-memory index on open (original_source/server/replay_cache.c's
// flat-file mode). Each line is the 7-field record spec.md §6 mandates:
// "<hex digest> <proto> <src ip> <src port> <dst ip> <dst port> <unix
// created>", space-separated.
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
	seen map[string]Context
	log  *logging.Logger
}

// OpenFileStore opens (creating if absent) the digest cache at path
// and rebuilds its in-memory index from whatever is already there.
func OpenFileStore(path string, log *logging.Logger) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, kerrors.Wrapf(err, kerrors.KindCacheIO, "open digest cache %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kerrors.Wrapf(err, kerrors.KindCacheIO, "stat digest cache %s", path)
	}
	if fi.Size() == 0 {
		if _, err := f.WriteString("# knockd digest cache: digest proto src_ip src_port dst_ip dst_port created_unix\n"); err != nil {
			f.Close()
			return nil, kerrors.Wrapf(err, kerrors.KindCacheIO, "write digest cache header %s", path)
		}
	}

	s := &FileStore{path: path, f: f, seen: make(map[string]Context), log: log}
	if err := s.rebuild(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) rebuild() error {
	if _, err := s.f.Seek(0, 0); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "seek digest cache %s", s.path)
	}
	scanner := bufio.NewScanner(s.f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		digestHex, ctx, err := parseLine(line)
		if err != nil {
			if s.log != nil {
				s.log.Warn("replay: skipping malformed digest cache line %d in %s: %v", lineNo, s.path, err)
			}
			continue
		}
		s.seen[digestHex] = ctx
	}
	if err := scanner.Err(); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "read digest cache %s", s.path)
	}
	if _, err := s.f.Seek(0, 2); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "seek digest cache %s to end", s.path)
	}
	return nil
}

func parseLine(line string) (string, Context, error) {
	parts := strings.Fields(line)
	if len(parts) != 7 {
		return "", Context{}, fmt.Errorf("expected 7 fields, got %d", len(parts))
	}
	if _, err := hex.DecodeString(parts[0]); err != nil {
		return "", Context{}, fmt.Errorf("invalid hex digest: %w", err)
	}
	srcPort, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", Context{}, fmt.Errorf("invalid src port %q: %w", parts[3], err)
	}
	dstPort, err := strconv.Atoi(parts[5])
	if err != nil {
		return "", Context{}, fmt.Errorf("invalid dst port %q: %w", parts[5], err)
	}
	ts, err := strconv.ParseInt(parts[6], 10, 64)
	if err != nil {
		return "", Context{}, fmt.Errorf("invalid timestamp %q: %w", parts[6], err)
	}
	ctx := Context{
		Proto:     parts[1],
		SrcIP:     parts[2],
		SrcPort:   srcPort,
		DstIP:     parts[4],
		DstPort:   dstPort,
		FirstSeen: time.Unix(ts, 0),
	}
	return parts[0], ctx, nil
}

// CheckAndRecord implements Store.
func (s *FileStore) CheckAndRecord(digest spa.Digest, ctx Context) (Status, Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(digest)
	if prior, ok := s.seen[key]; ok {
		return Replayed, prior, nil
	}

	line := fmt.Sprintf("%s %s %s %d %s %d %d\n", key, ctx.Proto, ctx.SrcIP, ctx.SrcPort, ctx.DstIP, ctx.DstPort, ctx.FirstSeen.Unix())
	if _, err := s.f.WriteString(line); err != nil {
		return Fresh, Context{}, kerrors.Wrapf(err, kerrors.KindCacheIO, "append digest cache %s", s.path)
	}
	if err := s.f.Sync(); err != nil {
		return Fresh, Context{}, kerrors.Wrapf(err, kerrors.KindCacheIO, "fsync digest cache %s", s.path)
	}

	s.seen[key] = ctx
	return Fresh, ctx, nil
}

// Rotate renames the current cache file to "<path>-old" and starts a
// fresh, empty cache, mirroring the reference implementation's
// `--rotate-digest-cache` verb. The in-memory index is cleared: after
// rotation, digests recorded before the rotation are no longer
// rejected.
func (s *FileStore) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.f.Close(); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "close digest cache %s before rotation", s.path)
	}
	oldPath := s.path + "-old"
	if err := os.Rename(s.path, oldPath); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "rotate digest cache %s", s.path)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "recreate digest cache %s", s.path)
	}
	if _, err := f.WriteString("# knockd digest cache: digest proto src_ip src_port dst_ip dst_port created_unix\n"); err != nil {
		f.Close()
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "write digest cache header %s", s.path)
	}
	s.f = f
	s.seen = make(map[string]Context)
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Close(); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "close digest cache %s", s.path)
	}
	return nil
}
