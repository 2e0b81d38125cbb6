// Copyright 2026 The Hyperfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blobstore maps a content digest to an on-disk blob file and a
// reference count, the C2 component of the storage engine. It never opens
// a transaction itself: every mutating call takes the *sql.Tx the caller
// (the metadata catalog) is already running, so a file node's creation and
// its blob's refcount bump commit or roll back together.
package blobstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hyperfs/hyperfs/pkg/errtypes"
)

// DigestSize is the length in bytes of a content digest (SHA-256).
const DigestSize = 32

// Record is a row of the blobs table.
type Record struct {
	Digest    string
	Size      int64
	Refcount  int64
	CreatedAt time.Time
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting callers pass
// whichever scope is appropriate without this package caring.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store resolves blob digests to on-disk paths and performs the best-effort
// filesystem side of the blob lifecycle. The authoritative refcount lives in
// the blobs table, mutated through InsertOrIncrement/Decrement.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir. The directory must already exist.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// BlobPath returns the on-disk path for a blob given its hex-encoded
// digest.
func (s *Store) BlobPath(digestHex string) string {
	return filepath.Join(s.dataDir, digestHex)
}

// HexDigest validates and hex-encodes a raw 32-byte digest.
func HexDigest(digest []byte) (string, error) {
	if len(digest) != DigestSize {
		return "", errtypes.BadRequest(fmt.Sprintf("digest must be %d bytes, got %d", DigestSize, len(digest)))
	}
	return hex.EncodeToString(digest), nil
}

// InsertOrIncrement inserts a new blob record for digest with refcount 1, or
// increments the refcount of an existing one with a matching size. The
// caller must place the blob file at BlobPath(digestHex) when the returned
// refcount is 1 and must not touch the filesystem otherwise.
func (s *Store) InsertOrIncrement(ctx context.Context, tx dbtx, digest []byte, size int64) (digestHex string, refcount int64, err error) {
	digestHex, err = HexDigest(digest)
	if err != nil {
		return "", 0, err
	}

	var existingSize, existingRefcount int64
	err = tx.QueryRowContext(ctx, `SELECT size, refcount FROM blobs WHERE digest = ?`, digestHex).
		Scan(&existingSize, &existingRefcount)

	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC().Unix()
		if _, err := tx.ExecContext(ctx, `INSERT INTO blobs (digest, size, refcount, created_at) VALUES (?, ?, 1, ?)`, digestHex, size, now); err != nil {
			return "", 0, errtypes.TransportError(err.Error())
		}
		return digestHex, 1, nil
	case err != nil:
		return "", 0, errtypes.TransportError(err.Error())
	}

	if existingSize != size {
		return "", 0, errtypes.DigestCollision(fmt.Sprintf("%s: stored size %d, got %d", digestHex, existingSize, size))
	}

	newRefcount := existingRefcount + 1
	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET refcount = ? WHERE digest = ?`, newRefcount, digestHex); err != nil {
		return "", 0, errtypes.TransportError(err.Error())
	}
	return digestHex, newRefcount, nil
}

// Decrement drops digestHex's refcount by one. When it reaches zero the
// blobs row is deleted in this transaction; the caller is responsible for
// calling RemoveFile after the transaction commits.
func (s *Store) Decrement(ctx context.Context, tx dbtx, digestHex string) (refcount int64, err error) {
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT refcount FROM blobs WHERE digest = ?`, digestHex).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		return 0, errtypes.NotFound(digestHex)
	case err != nil:
		return 0, errtypes.TransportError(err.Error())
	}

	if current <= 0 {
		return 0, errtypes.InvalidState(digestHex)
	}

	newRefcount := current - 1
	if newRefcount == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE digest = ?`, digestHex); err != nil {
			return 0, errtypes.TransportError(err.Error())
		}
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET refcount = ? WHERE digest = ?`, newRefcount, digestHex); err != nil {
		return 0, errtypes.TransportError(err.Error())
	}
	return newRefcount, nil
}

// Lookup returns the stored record for digestHex.
func (s *Store) Lookup(ctx context.Context, q dbtx, digestHex string) (Record, error) {
	var rec Record
	var createdAtUnix int64
	err := q.QueryRowContext(ctx, `SELECT digest, size, refcount, created_at FROM blobs WHERE digest = ?`, digestHex).
		Scan(&rec.Digest, &rec.Size, &rec.Refcount, &createdAtUnix)
	switch {
	case err == sql.ErrNoRows:
		return Record{}, errtypes.NotFound(digestHex)
	case err != nil:
		return Record{}, errtypes.TransportError(err.Error())
	}
	rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return rec, nil
}

// RemoveFile best-effort deletes the on-disk blob for digestHex. Called
// after a transaction that dropped the refcount to zero has committed; a
// failure here never unwinds the catalog change, it is logged by the
// caller.
func (s *Store) RemoveFile(digestHex string) error {
	err := os.Remove(s.BlobPath(digestHex))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing blob %s", digestHex)
	}
	return nil
}

// PlaceFile atomically moves a temp file into its content-addressed
// location. If the destination already exists (a concurrent upload of the
// same content won the race), the source is discarded and no error is
// returned, matching the benign-duplicate handling in the concurrency
// model.
func (s *Store) PlaceFile(tempPath, digestHex string) error {
	dst := s.BlobPath(digestHex)
	if err := os.Rename(tempPath, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			_ = os.Remove(tempPath)
			return nil
		}
		return errors.Wrapf(err, "placing blob %s", digestHex)
	}
	return nil
}
