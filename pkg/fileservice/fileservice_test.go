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

package fileservice_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperfs/hyperfs/pkg/blobstore"
	"github.com/hyperfs/hyperfs/pkg/catalog"
	"github.com/hyperfs/hyperfs/pkg/errtypes"
	"github.com/hyperfs/hyperfs/pkg/fileservice"
)

func newTestService(t *testing.T) (*fileservice.Service, *catalog.Catalog) {
	t.Helper()
	dataDir := t.TempDir()
	tempDir := t.TempDir()
	blobs := blobstore.New(dataDir)
	cat, err := catalog.Open(filepath.Join(dataDir, "hyperfs.db"), blobs)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return fileservice.New(cat, tempDir), cat
}

func upload(t *testing.T, svc *fileservice.Service, parentID int64, name string, content []byte) (int64, fileservice.UploadOutcome) {
	t.Helper()
	sess, err := svc.StartUpload()
	require.NoError(t, err)
	require.NoError(t, sess.ProcessChunk(content))
	res, err := sess.Finish()
	require.NoError(t, err)

	id, outcome, err := svc.UploadCommit(context.Background(), parentID, name, res)
	require.NoError(t, err)
	return id, outcome
}

func TestUploadCommit_Dedup(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()
	content := bytes.Repeat([]byte{0}, 1048576)

	idA, outcomeA := upload(t, svc, catalog.RootID, "a", content)
	assert.Equal(t, fileservice.OutcomeCreated, outcomeA)

	idB, outcomeB := upload(t, svc, catalog.RootID, "b", content)
	assert.Equal(t, fileservice.OutcomeCreated, outcomeB)
	assert.NotEqual(t, idA, idB)

	nodeA, err := cat.GetByID(ctx, idA)
	require.NoError(t, err)
	rec, err := cat.Blobs().Lookup(ctx, cat.DB(), nodeA.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Refcount)
	assert.Equal(t, int64(1048576), rec.Size)
}

func TestUploadCommit_OverwritePreservesID(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	idX, _ := upload(t, svc, catalog.RootID, "x", []byte("version one"))
	idX2, outcome := upload(t, svc, catalog.RootID, "x", []byte("version two, longer"))

	assert.Equal(t, idX, idX2)
	assert.Equal(t, fileservice.OutcomeOverwritten, outcome)

	n, err := cat.GetByID(ctx, idX)
	require.NoError(t, err)
	assert.Equal(t, int64(len("version two, longer")), n.Size)
}

func TestUploadCommit_SameBytesTwiceIsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	content := []byte("identical content")

	id1, _ := upload(t, svc, catalog.RootID, "same", content)
	id2, outcome := upload(t, svc, catalog.RootID, "same", content)

	assert.Equal(t, id1, id2)
	assert.Equal(t, fileservice.OutcomeDuplicate, outcome)
}

func TestUploadCommit_DirectorySiblingConflict(t *testing.T) {
	svc, ctx := setup(t)

	dirID, err := svc.CreateFolder(ctx, catalog.RootID, "taken")
	require.NoError(t, err)

	sess, err := svc.StartUpload()
	require.NoError(t, err)
	require.NoError(t, sess.ProcessChunk([]byte("x")))
	res, err := sess.Finish()
	require.NoError(t, err)

	_, _, err = svc.UploadCommit(ctx, catalog.RootID, "taken", res)
	var conflict errtypes.IsNameConflict
	assert.ErrorAs(t, err, &conflict)
	_ = dirID
}

func setup(t *testing.T) (*fileservice.Service, context.Context) {
	t.Helper()
	svc, _ := newTestService(t)
	return svc, context.Background()
}

func TestMove_RenameConflict(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	dirID, err := svc.CreateFolder(ctx, catalog.RootID, "dir")
	require.NoError(t, err)

	aID, _ := upload(t, svc, catalog.RootID, "a.txt", []byte("root a"))
	upload(t, svc, dirID, "a.txt", []byte("dir a"))

	err = svc.Move(ctx, aID, dirID, fileservice.StrategyRename)
	require.NoError(t, err)

	children, err := cat.ListChildren(ctx, dirID)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, c := range children {
		names[c.Name] = true
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["a (1).txt"])
}

func TestMove_CycleForbidden(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pID, err := svc.CreateFolder(ctx, catalog.RootID, "p")
	require.NoError(t, err)
	qID, err := svc.CreateFolder(ctx, pID, "q")
	require.NoError(t, err)
	rID, err := svc.CreateFolder(ctx, qID, "r")
	require.NoError(t, err)

	err = svc.Move(ctx, pID, rID, fileservice.StrategyFail)
	var cycle errtypes.IsCycleForbidden
	assert.ErrorAs(t, err, &cycle)
}

func TestMoveRename_CombinesRelocationAndRename(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	dirID, err := svc.CreateFolder(ctx, catalog.RootID, "dir")
	require.NoError(t, err)
	aID, _ := upload(t, svc, catalog.RootID, "a.txt", []byte("content"))

	err = svc.MoveRename(ctx, aID, dirID, "b.txt", fileservice.StrategyFail)
	require.NoError(t, err)

	n, err := cat.GetByID(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", n.Name)
	assert.Equal(t, dirID, n.ParentID)

	_, err = cat.GetByParentAndName(ctx, catalog.RootID, "a.txt")
	var notFound errtypes.IsNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMoveRename_EmptyNameKeepsSourceName(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	dirID, err := svc.CreateFolder(ctx, catalog.RootID, "dir")
	require.NoError(t, err)
	aID, _ := upload(t, svc, catalog.RootID, "a.txt", []byte("content"))

	require.NoError(t, svc.MoveRename(ctx, aID, dirID, "", fileservice.StrategyFail))

	n, err := cat.GetByID(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", n.Name)
}

func TestCopyRename_OverwriteReplacesDestination(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	srcID, _ := upload(t, svc, catalog.RootID, "a.txt", []byte("new bytes"))
	_, _ = upload(t, svc, catalog.RootID, "b.txt", []byte("old bytes"))

	newID, err := svc.CopyRename(ctx, srcID, catalog.RootID, "b.txt", fileservice.StrategyOverwrite)
	require.NoError(t, err)

	n, err := cat.GetByID(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", n.Name)
	assert.Equal(t, int64(len("new bytes")), n.Size)
}

func TestCopyRename_FailStrategyConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	srcID, _ := upload(t, svc, catalog.RootID, "a.txt", []byte("x"))
	_, _ = upload(t, svc, catalog.RootID, "b.txt", []byte("y"))

	_, err := svc.CopyRename(ctx, srcID, catalog.RootID, "b.txt", fileservice.StrategyFail)
	var conflict errtypes.IsNameConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestCopy_FileBumpsRefcountWithoutCopyingBytes(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	dirID, err := svc.CreateFolder(ctx, catalog.RootID, "dir")
	require.NoError(t, err)

	srcID, _ := upload(t, svc, catalog.RootID, "f.txt", []byte("copy me"))

	copyID, err := svc.Copy(ctx, srcID, dirID, fileservice.StrategyFail)
	require.NoError(t, err)
	assert.NotEqual(t, srcID, copyID)

	src, err := cat.GetByID(ctx, srcID)
	require.NoError(t, err)
	rec, err := cat.Blobs().Lookup(ctx, cat.DB(), src.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Refcount)
}

func TestDelete_RecursiveDecrementsBlobs(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	pID, err := svc.CreateFolder(ctx, catalog.RootID, "p")
	require.NoError(t, err)

	content := []byte("shared content")
	f1ID, _ := upload(t, svc, pID, "f1.txt", content)
	upload(t, svc, pID, "f2.txt", content)

	f1, err := cat.GetByID(ctx, f1ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, pID))

	_, err = cat.GetByID(ctx, pID)
	var notFound errtypes.IsNotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = cat.Blobs().Lookup(ctx, cat.DB(), f1.Digest)
	assert.ErrorAs(t, err, &notFound)
}

func TestPrepareDownload_IncrementsCountAndReturnsPath(t *testing.T) {
	svc, cat := newTestService(t)
	ctx := context.Background()

	id, _ := upload(t, svc, catalog.RootID, "f.txt", []byte("downloadable"))

	desc, err := svc.PrepareDownload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(len("downloadable")), desc.Size)
	assert.Equal(t, "f.txt", desc.Name)

	data, err := os.ReadFile(desc.Path)
	require.NoError(t, err)
	assert.Equal(t, "downloadable", string(data))

	n, err := cat.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.DownloadCount)
}

func TestPrepareDownload_DirectoryFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dirID, err := svc.CreateFolder(ctx, catalog.RootID, "d")
	require.NoError(t, err)

	_, err = svc.PrepareDownload(ctx, dirID)
	var isDir errtypes.IsIsDirectory
	assert.ErrorAs(t, err, &isDir)
}
