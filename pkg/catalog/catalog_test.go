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

package catalog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfs/hyperfs/pkg/blobstore"
	"github.com/hyperfs/hyperfs/pkg/catalog"
	"github.com/hyperfs/hyperfs/pkg/errtypes"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	blobs := blobstore.New(dir)
	cat, err := catalog.Open(filepath.Join(dir, "hyperfs.db"), blobs)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func digest32(b byte) []byte {
	d := make([]byte, 32)
	for i := range d {
		d[i] = b
	}
	return d
}

func insertFile(t *testing.T, cat *catalog.Catalog, parentID int64, name string, digestByte byte, size int64) int64 {
	t.Helper()
	var id int64
	err := cat.WithTx(context.Background(), func(tx *sql.Tx) error {
		hex, _, err := cat.Blobs().InsertOrIncrement(context.Background(), tx, digest32(digestByte), size)
		if err != nil {
			return err
		}
		id, err = cat.InsertFile(context.Background(), tx, parentID, name, hex, size, time.Now())
		return err
	})
	require.NoError(t, err)
	return id
}

func TestInsertFile_AndGetByParentAndName(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	id := insertFile(t, cat, catalog.RootID, "a.txt", 0x01, 10)
	n, err := cat.GetByParentAndName(ctx, catalog.RootID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, id, n.ID)
	assert.Equal(t, catalog.KindFile, n.Kind)
}

func TestInsertFile_DuplicateNameIsConflict(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	insertFile(t, cat, catalog.RootID, "a.txt", 0x01, 10)

	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := cat.InsertFile(ctx, tx, catalog.RootID, "a.txt", "deadbeef", 5, time.Now())
		return err
	})
	var conflict errtypes.IsNameConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestInsertFolder_AndListChildren(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	var dirID int64
	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		dirID, err = cat.InsertFolder(ctx, tx, catalog.RootID, "dir", time.Now())
		return err
	})
	require.NoError(t, err)

	insertFile(t, cat, dirID, "a.txt", 0x01, 10)
	insertFile(t, cat, dirID, "b.txt", 0x02, 20)

	children, err := cat.ListChildren(ctx, dirID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestDedup_SameDigestIncrementsRefcount(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	var hexA, hexB string
	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		hexA, _, err = cat.Blobs().InsertOrIncrement(ctx, tx, digest32(0x09), 1048576)
		if err != nil {
			return err
		}
		_, err = cat.InsertFile(ctx, tx, catalog.RootID, "a", hexA, 1048576, time.Now())
		return err
	})
	require.NoError(t, err)

	err = cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		var refcount int64
		hexB, refcount, err = cat.Blobs().InsertOrIncrement(ctx, tx, digest32(0x09), 1048576)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), refcount)
		_, err = cat.InsertFile(ctx, tx, catalog.RootID, "b", hexB, 1048576, time.Now())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, hexA, hexB)
}

func TestUpdateFileContent_DecrementsOldIncrementsNew(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	id := insertFile(t, cat, catalog.RootID, "x", 0x11, 10)

	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		newHex, _, err := cat.Blobs().InsertOrIncrement(ctx, tx, digest32(0x22), 20)
		if err != nil {
			return err
		}
		return cat.UpdateFileContent(ctx, tx, id, newHex, 20, time.Now())
	})
	require.NoError(t, err)

	n, err := cat.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n.Size)

	err = cat.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := cat.Blobs().Lookup(ctx, tx, mustHex(digest32(0x11)))
		return err
	})
	var notFound errtypes.IsNotFound
	assert.ErrorAs(t, err, &notFound)
}

func mustHex(d []byte) string {
	h, err := blobstore.HexDigest(d)
	if err != nil {
		panic(err)
	}
	return h
}

func TestMove_CycleRejection(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	var pID, qID, rID int64
	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pID, err = cat.InsertFolder(ctx, tx, catalog.RootID, "p", time.Now())
		if err != nil {
			return err
		}
		qID, err = cat.InsertFolder(ctx, tx, pID, "q", time.Now())
		if err != nil {
			return err
		}
		rID, err = cat.InsertFolder(ctx, tx, qID, "r", time.Now())
		return err
	})
	require.NoError(t, err)

	err = cat.WithTx(ctx, func(tx *sql.Tx) error {
		isAncestor, err := cat.IsAncestor(ctx, tx, pID, rID)
		if err != nil {
			return err
		}
		if isAncestor {
			return errtypes.CycleForbidden("p")
		}
		return cat.Reparent(ctx, tx, pID, rID, "p")
	})
	var cycle errtypes.IsCycleForbidden
	assert.ErrorAs(t, err, &cycle)

	// original location untouched
	n, err := cat.GetByID(ctx, pID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RootID, n.ParentID)
}

func TestDeleteSubtree_DecrementsBlobsAndRemovesDescendants(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	var dirID int64
	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		dirID, err = cat.InsertFolder(ctx, tx, catalog.RootID, "p", time.Now())
		return err
	})
	require.NoError(t, err)
	fileID := insertFile(t, cat, dirID, "a.txt", 0x55, 10)

	err = cat.WithTx(ctx, func(tx *sql.Tx) error {
		return cat.DeleteSubtree(ctx, tx, dirID)
	})
	require.NoError(t, err)

	_, err = cat.GetByID(ctx, dirID)
	var notFound errtypes.IsNotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = cat.GetByID(ctx, fileID)
	assert.ErrorAs(t, err, &notFound)

	_, err = cat.Blobs().Lookup(ctx, cat.DB(), mustHex(digest32(0x55)))
	assert.ErrorAs(t, err, &notFound)
}

func TestResolve_Root(t *testing.T) {
	cat := openTestCatalog(t)
	n, err := cat.Resolve(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, catalog.RootID, n.ID)
	assert.True(t, n.IsDir())
}

func TestResolve_NestedPath(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	var dirID int64
	err := cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		dirID, err = cat.InsertFolder(ctx, tx, catalog.RootID, "dir", time.Now())
		return err
	})
	require.NoError(t, err)
	fileID := insertFile(t, cat, dirID, "a.txt", 0x01, 10)

	n, err := cat.Resolve(ctx, "/dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, fileID, n.ID)
}
