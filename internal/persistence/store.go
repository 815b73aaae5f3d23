// Package persistence implements the buffered, batched torrent-metadata
// writer, grounded directly on the original crawler's Database class in
// persistence.py: pending rows accumulate in memory and flush as a single
// transaction once commit_n is reached or on shutdown.
package persistence

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/kadcrawl/kadcrawl/internal/bencode"
	"github.com/kadcrawl/kadcrawl/internal/bterr"
	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

// File is one row of the files table pending commit.
type File struct {
	InfoHash dhtid.ID
	Size     int64
	Path     string
}

// metadataRow is one row of the torrents table pending commit.
type metadataRow struct {
	InfoHash     dhtid.ID
	Name         string
	TotalSize    int64
	DiscoveredOn int64
}

// Store is a Postgres-backed buffered batch writer, following internal's
// db.go connection idiom (database/sql + lib/pq, stdlib log with a
// bracketed prefix) from the reference repo.
type Store struct {
	log *log.Logger
	db  *sql.DB

	commitN int

	mu              sync.Mutex
	pendingMetadata []metadataRow
	pendingFiles    []File

	errorCount int64
	addedCount int64
}

// Open connects to the Postgres database at connStr, runs the schema
// migration, and returns a ready Store. commitN is the batch-size threshold
// (--batch-size, default 10).
func Open(connStr string, commitN int) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping: %w: %v", bterr.ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if commitN <= 0 {
		commitN = 10
	}

	s := &Store{
		log:     log.New(os.Stderr, "[persistence] ", log.LstdFlags),
		db:      db,
		commitN: commitN,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("persistence: migrate: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS torrents (
    id             BIGSERIAL PRIMARY KEY,
    info_hash      BYTEA UNIQUE NOT NULL,
    name           TEXT NOT NULL,
    total_size     BIGINT NOT NULL CHECK (total_size > 0),
    discovered_on  BIGINT NOT NULL CHECK (discovered_on > 0)
);

CREATE TABLE IF NOT EXISTS files (
    id          BIGSERIAL PRIMARY KEY,
    torrent_id  BIGINT NOT NULL REFERENCES torrents(id) ON DELETE CASCADE,
    size        BIGINT NOT NULL,
    path        TEXT NOT NULL
);
`

// AddMetadata decodes a raw bencoded info dictionary, validates its shape,
// and appends it to the pending batch, flushing when the batch reaches
// commitN. It mirrors add_metadata in the original persistence.py line for
// line in structure.
func (s *Store) AddMetadata(ctx context.Context, infoHash dhtid.ID, raw []byte) error {
	sum := sha1.Sum(raw)
	if dhtid.ID(sum) != infoHash {
		return bterr.ErrChecksumMismatch
	}

	name, files, totalSize, err := decodeInfo(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pendingMetadata = append(s.pendingMetadata, metadataRow{
		InfoHash:     infoHash,
		Name:         name,
		TotalSize:    totalSize,
		DiscoveredOn: time.Now().Unix(),
	})
	for i := range files {
		files[i].InfoHash = infoHash
	}
	s.pendingFiles = append(s.pendingFiles, files...)
	shouldCommit := len(s.pendingMetadata) >= s.commitN
	s.mu.Unlock()

	s.log.Printf("added: %q", name)

	if shouldCommit {
		return s.Commit(ctx)
	}
	return nil
}

// decodeInfo validates an info dict's shape: no '/' or NUL in the name or
// path components, positive lengths, single- or multi-file shape.
func decodeInfo(raw []byte) (name string, files []File, totalSize int64, err error) {
	v, err := bencode.DecodeFull(raw)
	if err != nil {
		return "", nil, 0, err
	}
	dict, err := v.AsDict()
	if err != nil {
		return "", nil, 0, bterr.ErrProtocolViolation
	}
	nameVal, ok := dict["name"]
	if !ok {
		return "", nil, 0, bterr.ErrProtocolViolation
	}
	nameBytes, err := nameVal.AsBytes()
	if err != nil {
		return "", nil, 0, err
	}
	if strings.ContainsRune(string(nameBytes), '/') || strings.ContainsRune(string(nameBytes), 0) {
		return "", nil, 0, bterr.ErrProtocolViolation
	}
	name = string(nameBytes)

	if filesVal, ok := dict["files"]; ok {
		list, err := filesVal.AsList()
		if err != nil {
			return "", nil, 0, err
		}
		for _, item := range list {
			fd, err := item.AsDict()
			if err != nil {
				return "", nil, 0, err
			}
			lengthVal, ok := fd["length"]
			if !ok {
				return "", nil, 0, bterr.ErrProtocolViolation
			}
			length, err := lengthVal.AsInt()
			if err != nil || length <= 0 {
				return "", nil, 0, bterr.ErrProtocolViolation
			}
			pathVal, ok := fd["path"]
			if !ok {
				return "", nil, 0, bterr.ErrProtocolViolation
			}
			pathList, err := pathVal.AsList()
			if err != nil {
				return "", nil, 0, err
			}
			parts := make([]string, 0, len(pathList))
			for _, p := range pathList {
				pb, err := p.AsBytes()
				if err != nil {
					return "", nil, 0, err
				}
				if strings.ContainsRune(string(pb), '/') || strings.ContainsRune(string(pb), 0) {
					return "", nil, 0, bterr.ErrProtocolViolation
				}
				parts = append(parts, string(pb))
			}
			path := strings.Join(parts, "/")
			files = append(files, File{Size: length, Path: path})
			totalSize += length
		}
	} else {
		lengthVal, ok := dict["length"]
		if !ok {
			return "", nil, 0, bterr.ErrProtocolViolation
		}
		length, err := lengthVal.AsInt()
		if err != nil || length <= 0 {
			return "", nil, 0, bterr.ErrProtocolViolation
		}
		files = append(files, File{Size: length, Path: name})
		totalSize = length
	}

	if totalSize <= 0 {
		return "", nil, 0, bterr.ErrProtocolViolation
	}
	return name, files, totalSize, nil
}

// HasTorrent implements internal/filter.DurableStore.
func (s *Store) HasTorrent(ctx context.Context, h dhtid.ID) (bool, error) {
	s.mu.Lock()
	for _, m := range s.pendingMetadata {
		if m.InfoHash == h {
			s.mu.Unlock()
			return true, nil
		}
	}
	s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM torrents WHERE info_hash = $1`, h.Bytes()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Commit flushes the pending batch in a single transaction. On a unique
// constraint violation the whole batch is dropped (the original crawler's
// "drop entire batch to avoid infinite loop" policy); on a connection
// failure the batch is retained and retried on the next call.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	metadata := s.pendingMetadata
	files := s.pendingFiles
	s.mu.Unlock()

	if len(metadata) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.handleCommitErr(err, len(metadata), len(files))
	}

	for _, m := range metadata {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO torrents (info_hash, name, total_size, discovered_on) VALUES ($1, $2, $3, $4)`,
			m.InfoHash.Bytes(), m.Name, m.TotalSize, m.DiscoveredOn); err != nil {
			_ = tx.Rollback()
			return s.handleCommitErr(err, len(metadata), len(files))
		}
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (torrent_id, size, path)
			 VALUES ((SELECT id FROM torrents WHERE info_hash = $1), $2, $3)`,
			f.InfoHash.Bytes(), f.Size, f.Path); err != nil {
			_ = tx.Rollback()
			return s.handleCommitErr(err, len(metadata), len(files))
		}
	}
	if err := tx.Commit(); err != nil {
		return s.handleCommitErr(err, len(metadata), len(files))
	}

	s.log.Printf("%d metadata (%d files) committed to the database", len(metadata), len(files))
	s.mu.Lock()
	s.addedCount += int64(len(metadata))
	s.pendingMetadata = s.pendingMetadata[len(metadata):]
	s.pendingFiles = s.pendingFiles[len(files):]
	s.mu.Unlock()
	return nil
}

// handleCommitErr handles a failed Commit. On a unique-violation, it drops
// only the batchLen/filesLen rows that were actually part of the failed
// commit -- not the live pendingMetadata/pendingFiles slices, which may have
// grown with newly-submitted rows while the commit's I/O was in flight with
// the lock released. On any other error the batch is left untouched so the
// next Commit retries it.
func (s *Store) handleCommitErr(err error, batchLen, filesLen int) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		s.log.Printf("dropping batch of %d: unique violation: %v", batchLen, err)
		s.mu.Lock()
		s.pendingMetadata = s.pendingMetadata[batchLen:]
		s.pendingFiles = s.pendingFiles[filesLen:]
		s.errorCount += int64(batchLen)
		s.mu.Unlock()
		return bterr.ErrUniqueViolation
	}
	s.log.Printf("commit failed, batch retained for retry: %v", err)
	return fmt.Errorf("persistence: commit: %w: %v", bterr.ErrBackendUnavailable, err)
}

// Stats reports running counters for the stats endpoint.
type Stats struct {
	Added   int64
	Errors  int64
	Pending int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Added: s.addedCount, Errors: s.errorCount, Pending: len(s.pendingMetadata)}
}

// AllInfoHashes streams every known infohash in chunks, used by
// internal/filter.HeatCache to warm the external cache.
func (s *Store) AllInfoHashes(ctx context.Context, chunkSize int, fn func([]dhtid.ID) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT info_hash FROM torrents`)
	if err != nil {
		return err
	}
	defer rows.Close()

	chunk := make([]dhtid.ID, 0, chunkSize)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		id, err := dhtid.FromBytes(raw)
		if err != nil {
			continue
		}
		chunk = append(chunk, id)
		if len(chunk) >= chunkSize {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return rows.Err()
}

// Close flushes any residual batch and closes the database connection,
// mirroring Database.close() in persistence.py.
func (s *Store) Close(ctx context.Context) error {
	if err := s.Commit(ctx); err != nil {
		s.log.Printf("final commit on close failed: %v", err)
	}
	return s.db.Close()
}
