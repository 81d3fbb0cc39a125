// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replay

import (
	"database/sql"
	"encoding/hex"
	"time"

	_ "modernc.org/sqlite"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/spa"
)

// IndexedStore is a keyed-database backed digest cache, standing in
// for the reference implementation's gdbm/ndbm mode
// (original_source/server/replay_cache.c) with a pure-Go SQLite
// driver so knockd carries no cgo dependency.
type IndexedStore struct {
	db *sql.DB
}

// OpenIndexedStore opens (creating if absent) the SQLite-backed digest
// cache at path.
func OpenIndexedStore(path string) (*IndexedStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kerrors.Wrapf(err, kerrors.KindCacheIO, "open digest cache %s", path)
	}
	db.SetMaxOpenConns(1) // single-threaded event loop; avoid sqlite lock contention

	const schema = `CREATE TABLE IF NOT EXISTS digests (
		digest TEXT PRIMARY KEY,
		proto TEXT NOT NULL,
		src_ip TEXT NOT NULL,
		src_port INTEGER NOT NULL,
		dst_ip TEXT NOT NULL,
		dst_port INTEGER NOT NULL,
		first_seen INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, kerrors.Wrapf(err, kerrors.KindCacheIO, "init digest cache schema %s", path)
	}

	return &IndexedStore{db: db}, nil
}

// CheckAndRecord implements Store.
func (s *IndexedStore) CheckAndRecord(digest spa.Digest, ctx Context) (Status, Context, error) {
	key := hex.EncodeToString(digest)

	var proto, srcIP, dstIP string
	var srcPort, dstPort int
	var firstSeen int64
	err := s.db.QueryRow(`SELECT proto, src_ip, src_port, dst_ip, dst_port, first_seen FROM digests WHERE digest = ?`, key).
		Scan(&proto, &srcIP, &srcPort, &dstIP, &dstPort, &firstSeen)
	switch {
	case err == nil:
		return Replayed, Context{
			Proto: proto, SrcIP: srcIP, SrcPort: srcPort, DstIP: dstIP, DstPort: dstPort,
			FirstSeen: time.Unix(firstSeen, 0),
		}, nil
	case err != sql.ErrNoRows:
		return Fresh, Context{}, kerrors.Wrapf(err, kerrors.KindCacheIO, "query digest cache")
	}

	if _, err := s.db.Exec(`INSERT INTO digests (digest, proto, src_ip, src_port, dst_ip, dst_port, first_seen) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, ctx.Proto, ctx.SrcIP, ctx.SrcPort, ctx.DstIP, ctx.DstPort, ctx.FirstSeen.Unix()); err != nil {
		return Fresh, Context{}, kerrors.Wrapf(err, kerrors.KindCacheIO, "insert digest cache row")
	}
	return Fresh, ctx, nil
}

// Rotate truncates the digests table, mirroring FileStore.Rotate's
// semantics for the `--rotate-digest-cache` verb.
func (s *IndexedStore) Rotate() error {
	if _, err := s.db.Exec(`DELETE FROM digests`); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "rotate digest cache")
	}
	return nil
}

// Close implements Store.
func (s *IndexedStore) Close() error {
	if err := s.db.Close(); err != nil {
		return kerrors.Wrapf(err, kerrors.KindCacheIO, "close digest cache")
	}
	return nil
}
