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

package blobstore_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfs/hyperfs/pkg/blobstore"
	"github.com/hyperfs/hyperfs/pkg/errtypes"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE blobs (
		digest     TEXT PRIMARY KEY,
		size       INTEGER NOT NULL,
		refcount   INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func digest32(b byte) []byte {
	d := make([]byte, 32)
	for i := range d {
		d[i] = b
	}
	return d
}

func TestInsertOrIncrement_NewBlob(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()

	hex, refcount, err := store.InsertOrIncrement(ctx, db, digest32(0xAB), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refcount)
	assert.Len(t, hex, 64)
}

func TestInsertOrIncrement_SameDigestIncrementsRefcount(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()
	d := digest32(0xCD)

	_, r1, err := store.InsertOrIncrement(ctx, db, d, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1)

	_, r2, err := store.InsertOrIncrement(ctx, db, d, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2)
}

func TestInsertOrIncrement_SizeMismatchIsCollision(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()
	d := digest32(0xEF)

	_, _, err := store.InsertOrIncrement(ctx, db, d, 42)
	require.NoError(t, err)

	_, _, err = store.InsertOrIncrement(ctx, db, d, 43)
	require.Error(t, err)
	var collision errtypes.IsDigestCollision
	assert.ErrorAs(t, err, &collision)
}

func TestInsertOrIncrement_BadDigestLength(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()

	_, _, err := store.InsertOrIncrement(ctx, db, []byte{1, 2, 3}, 1)
	require.Error(t, err)
	var bad errtypes.IsBadRequest
	assert.ErrorAs(t, err, &bad)
}

func TestDecrement_DeletesAtZero(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()
	d := digest32(0x01)

	hex, _, err := store.InsertOrIncrement(ctx, db, d, 10)
	require.NoError(t, err)

	refcount, err := store.Decrement(ctx, db, hex)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refcount)

	_, err = store.Lookup(ctx, db, hex)
	var notFound errtypes.IsNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestDecrement_KeepsRowWhileReferenced(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()
	d := digest32(0x02)

	hex, _, err := store.InsertOrIncrement(ctx, db, d, 10)
	require.NoError(t, err)
	_, _, err = store.InsertOrIncrement(ctx, db, d, 10)
	require.NoError(t, err)

	refcount, err := store.Decrement(ctx, db, hex)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refcount)

	rec, err := store.Lookup(ctx, db, hex)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Refcount)
}

func TestDecrement_UnknownDigest(t *testing.T) {
	db := openTestDB(t)
	store := blobstore.New(t.TempDir())
	ctx := context.Background()

	_, err := store.Decrement(ctx, db, "0000000000000000000000000000000000000000000000000000000000000000")
	var notFound errtypes.IsNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestPlaceFile_ConcurrentDuplicateIsBenign(t *testing.T) {
	dir := t.TempDir()
	store := blobstore.New(dir)
	hex := "deadbeef"

	tmp1 := dir + "/tmp1"
	require.NoError(t, writeFile(tmp1, "content"))
	require.NoError(t, store.PlaceFile(tmp1, hex))

	tmp2 := dir + "/tmp2"
	require.NoError(t, writeFile(tmp2, "content"))
	require.NoError(t, store.PlaceFile(tmp2, hex))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
