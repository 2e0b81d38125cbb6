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

// Package fileservice is the C5 orchestrator: it couples the blob store,
// the metadata catalog, and upload sessions to implement upload-commit,
// move, copy, and delete semantics as atomic, conflict-aware operations.
package fileservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hyperfs/hyperfs/pkg/appctx"
	"github.com/hyperfs/hyperfs/pkg/catalog"
	"github.com/hyperfs/hyperfs/pkg/errtypes"
	"github.com/hyperfs/hyperfs/pkg/upload"
)

// ConflictStrategy selects how a same-name sibling is handled during
// move/copy.
type ConflictStrategy string

const (
	StrategyFail      ConflictStrategy = "FAIL"
	StrategyRename    ConflictStrategy = "RENAME"
	StrategyOverwrite ConflictStrategy = "OVERWRITE"
)

// Service wires the catalog (which itself wraps the blob store) to the
// upload session and filesystem side effects the orchestrator must run
// post-commit.
type Service struct {
	cat     *catalog.Catalog
	tempDir string
}

// New returns a Service backed by cat, with tempDir used for new upload
// sessions.
func New(cat *catalog.Catalog, tempDir string) *Service {
	return &Service{cat: cat, tempDir: tempDir}
}

// StartUpload begins a new C4 upload session under the service's temp
// directory.
func (s *Service) StartUpload() (*upload.Session, error) {
	return upload.Start(s.tempDir)
}

// UploadOutcome reports what an upload commit actually did, so the HTTP
// layer can report "created", "duplicate", or "overwritten".
type UploadOutcome int

const (
	OutcomeCreated UploadOutcome = iota
	OutcomeDuplicate
	OutcomeOverwritten
)

// UploadCommit commits a finished upload session's bytes to parentID/name
// per the upload-commit algorithm: no sibling inserts a new file node;
// a directory sibling fails NameConflict(IsDirectory); an identical
// digest is a no-op duplicate; otherwise the existing file is
// overwritten in place. The temp file is placed into the blob directory
// or discarded as a post-commit step, with a compensating transaction if
// the placement rename fails.
func (s *Service) UploadCommit(ctx context.Context, parentID int64, name string, res upload.Result) (int64, UploadOutcome, error) {
	digestHex := res.DigestHex()
	now := time.Now()

	var (
		nodeID       int64
		outcome      UploadOutcome
		needsPlace   bool
		orphanDigest string
		prior        catalog.Node // the overwritten sibling, zero value on the create path
	)

	err := s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		sibling, err := s.getSibling(ctx, tx, parentID, name)
		switch {
		case errIsNotFound(err):
			id, place, insertErr := s.insertNewFile(ctx, tx, parentID, name, digestHex, res.Size, now)
			if insertErr != nil {
				return insertErr
			}
			nodeID, needsPlace, outcome = id, place, OutcomeCreated
			return nil

		case err != nil:
			return err

		case sibling.IsDir():
			return errtypes.NameConflict(fmt.Sprintf("%s is a directory", name))

		case sibling.Digest == digestHex:
			nodeID, outcome = sibling.ID, OutcomeDuplicate
			return nil

		default:
			oldDigest := sibling.Digest
			hex, refcount, err := s.cat.Blobs().InsertOrIncrement(ctx, tx, res.Digest[:], res.Size)
			if err != nil {
				return err
			}
			if err := s.cat.UpdateFileContent(ctx, tx, sibling.ID, hex, res.Size, now); err != nil {
				return err
			}
			if _, lookupErr := s.cat.Blobs().Lookup(ctx, tx, oldDigest); errIsNotFound(lookupErr) {
				orphanDigest = oldDigest
			}
			nodeID, needsPlace, outcome, prior = sibling.ID, refcount == 1, OutcomeOverwritten, sibling
			return nil
		}
	})
	if err != nil {
		return 0, 0, err
	}

	placed := s.placeOrDiscard(ctx, commitPlacement{
		tempPath:   res.TempPath,
		digestHex:  digestHex,
		needsPlace: needsPlace,
		nodeID:     nodeID,
		outcome:    outcome,
		prior:      prior,
	})

	// The old blob is only genuinely orphaned once the new content has
	// actually taken effect; if placement failed and the overwrite was
	// compensated away, oldDigest's refcount was just restored and its
	// file must be left alone.
	if orphanDigest != "" && placed {
		if err := s.cat.Blobs().RemoveFile(orphanDigest); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("digest", orphanDigest).Msg("failed to remove orphaned blob file")
		}
	}

	return nodeID, outcome, nil
}

func (s *Service) getSibling(ctx context.Context, tx *sql.Tx, parentID int64, name string) (catalog.Node, error) {
	return catalogGetByParentAndNameTx(ctx, s.cat, tx, parentID, name)
}

func (s *Service) insertNewFile(ctx context.Context, tx *sql.Tx, parentID int64, name, digestHex string, size int64, now time.Time) (int64, bool, error) {
	_, refcount, err := s.cat.Blobs().InsertOrIncrement(ctx, tx, mustDigestBytes(digestHex), size)
	if err != nil {
		return 0, false, err
	}
	id, err := s.cat.InsertFile(ctx, tx, parentID, name, digestHex, size, now)
	if err != nil {
		return 0, false, err
	}
	return id, refcount == 1, nil
}

// commitPlacement carries what placeOrDiscard needs to run the
// upload-commit post-commit step and, if it fails, its compensating
// transaction: whether this commit produced the blob's first reference,
// and — on the overwrite path — the sibling node as it stood before the
// commit, so it can be put back exactly as it was.
type commitPlacement struct {
	tempPath   string
	digestHex  string
	needsPlace bool
	nodeID     int64
	outcome    UploadOutcome
	prior      catalog.Node
}

// placeOrDiscard runs the upload-commit post-commit step: rename the
// temp file into place if this commit produced the first reference to
// digestHex, otherwise discard it. A failed rename triggers a
// compensating transaction that undoes step 3/6 of the commit per
// spec.md §4.3 step 8 — the blob's refcount bump is rolled back, and the
// node is either deleted (create path) or restored to its prior content
// (overwrite path) — the only place the catalog and filesystem can be
// transiently inconsistent. It reports whether the new content actually
// took effect, so the caller knows whether an overwritten sibling's old
// blob is genuinely orphaned or was just restored by compensation.
func (s *Service) placeOrDiscard(ctx context.Context, p commitPlacement) bool {
	log := appctx.GetLogger(ctx)
	if !p.needsPlace {
		if err := os.Remove(p.tempPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("temp", p.tempPath).Msg("failed to discard upload temp file")
		}
		return true
	}

	if err := s.cat.Blobs().PlaceFile(p.tempPath, p.digestHex); err == nil {
		return true
	} else {
		log.Error().Err(err).Str("digest", p.digestHex).Msg("blob placement failed, compensating")
	}

	compErr := s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		if p.outcome == OutcomeCreated {
			// DeleteSubtree decrements the node's blob itself.
			return s.cat.DeleteSubtree(ctx, tx, p.nodeID)
		}

		if _, err := s.cat.Blobs().Decrement(ctx, tx, p.digestHex); err != nil {
			return err
		}

		switch p.outcome {
		case OutcomeOverwritten:
			if _, _, err := s.cat.Blobs().InsertOrIncrement(ctx, tx, mustDigestBytes(p.prior.Digest), p.prior.Size); err != nil {
				return err
			}
			return s.cat.RestoreFileContent(ctx, tx, p.nodeID, p.prior.Digest, p.prior.Size, p.prior.UploadTime)

		default:
			return nil
		}
	})
	if compErr != nil {
		log.Error().Err(compErr).Str("digest", p.digestHex).Msg("compensating transaction failed")
	}
	return false
}

func mustDigestBytes(hexDigest string) []byte {
	b := make([]byte, len(hexDigest)/2)
	for i := range b {
		hi := hexVal(hexDigest[2*i])
		lo := hexVal(hexDigest[2*i+1])
		b[i] = hi<<4 | lo
	}
	return b
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// ListChildren returns the children of parentID.
func (s *Service) ListChildren(ctx context.Context, parentID int64) ([]catalog.Node, error) {
	return s.cat.ListChildren(ctx, parentID)
}

// Rename changes id's name within its current parent.
func (s *Service) Rename(ctx context.Context, id int64, newName string) error {
	return s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		return s.cat.Rename(ctx, tx, id, newName)
	})
}

// CreateFolder inserts a new directory node under parentID.
func (s *Service) CreateFolder(ctx context.Context, parentID int64, name string) (int64, error) {
	var id int64
	err := s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.cat.InsertFolder(ctx, tx, parentID, name, time.Now())
		return err
	})
	return id, err
}

// Move relocates id to be a child of targetParentID, keeping its current
// name, resolving a same-name conflict per strategy. The cycle check
// walks the parent chain from targetParentID upward; moving id into its
// own subtree fails CycleForbidden.
func (s *Service) Move(ctx context.Context, id, targetParentID int64, strategy ConflictStrategy) error {
	return s.MoveRename(ctx, id, targetParentID, "", strategy)
}

// MoveRename is Move with an optional simultaneous rename: when newName
// is non-empty the relocated node is given that name instead of keeping
// its current one, the combined move+rename WebDAV's MOVE method needs
// when Destination names a different leaf than the source.
func (s *Service) MoveRename(ctx context.Context, id, targetParentID int64, newName string, strategy ConflictStrategy) error {
	return s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		src, err := s.cat.GetByID(ctx, id)
		if err != nil {
			return err
		}

		isAncestor, err := s.cat.IsAncestor(ctx, tx, id, targetParentID)
		if err != nil {
			return err
		}
		if isAncestor {
			return errtypes.CycleForbidden(fmt.Sprintf("node %d", id))
		}

		destName := src.Name
		if newName != "" {
			destName = newName
		}

		name, err := s.resolveConflict(ctx, tx, targetParentID, destName, src.IsDir(), strategy)
		if err != nil {
			return err
		}

		return s.cat.Reparent(ctx, tx, id, targetParentID, name)
	})
}

// Copy duplicates id (recursively for directories) under targetParentID,
// keeping its current name, resolving a same-name conflict per strategy.
// File content is never physically copied; only the blob refcount is
// bumped.
func (s *Service) Copy(ctx context.Context, id, targetParentID int64, strategy ConflictStrategy) (int64, error) {
	return s.CopyRename(ctx, id, targetParentID, "", strategy)
}

// CopyRename is Copy with an optional destination name, the combined
// copy+rename WebDAV's COPY method needs when Destination names a
// different leaf than the source. The override applies only to the
// copied root; recursed children always keep their original names.
func (s *Service) CopyRename(ctx context.Context, id, targetParentID int64, newName string, strategy ConflictStrategy) (int64, error) {
	var newID int64
	err := s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		src, err := s.cat.GetByID(ctx, id)
		if err != nil {
			return err
		}

		isAncestor, err := s.cat.IsAncestor(ctx, tx, id, targetParentID)
		if err != nil {
			return err
		}
		if isAncestor {
			return errtypes.CycleForbidden(fmt.Sprintf("node %d", id))
		}

		if newName != "" {
			src.Name = newName
		}

		id, err := s.copyNode(ctx, tx, src, targetParentID, strategy)
		newID = id
		return err
	})
	return newID, err
}

func (s *Service) copyNode(ctx context.Context, tx *sql.Tx, src catalog.Node, targetParentID int64, strategy ConflictStrategy) (int64, error) {
	name, err := s.resolveConflict(ctx, tx, targetParentID, src.Name, src.IsDir(), strategy)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	if !src.IsDir() {
		hex, _, err := s.cat.Blobs().InsertOrIncrement(ctx, tx, mustDigestBytes(src.Digest), src.Size)
		if err != nil {
			return 0, err
		}
		return s.cat.InsertFile(ctx, tx, targetParentID, name, hex, src.Size, now)
	}

	newDirID, err := s.cat.InsertFolder(ctx, tx, targetParentID, name, now)
	if err != nil {
		return 0, err
	}

	children, err := catalogListChildrenTx(ctx, s.cat, tx, src.ID)
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		if _, err := s.copyNode(ctx, tx, child, newDirID, strategy); err != nil {
			return 0, err
		}
	}
	return newDirID, nil
}

// resolveConflict checks whether parentID already has a sibling named
// name and applies strategy: FAIL reports NameConflict, RENAME picks the
// smallest non-colliding "name (n)" suffix, OVERWRITE deletes the
// existing sibling first (files only — OVERWRITE fails BadTarget when
// either the source or the existing sibling is a directory, since a
// recursive overwrite of a directory tree by a single move/copy target
// is not a defined operation).
func (s *Service) resolveConflict(ctx context.Context, tx *sql.Tx, parentID int64, name string, srcIsDir bool, strategy ConflictStrategy) (string, error) {
	existing, err := catalogGetByParentAndNameTx(ctx, s.cat, tx, parentID, name)
	if errIsNotFound(err) {
		return name, nil
	}
	if err != nil {
		return "", err
	}

	switch strategy {
	case StrategyRename:
		return s.nextAvailableName(ctx, tx, parentID, name)

	case StrategyOverwrite:
		if srcIsDir || existing.IsDir() {
			return "", errtypes.BadTarget("overwrite is only supported between two files")
		}
		if err := s.cat.DeleteSubtree(ctx, tx, existing.ID); err != nil {
			return "", err
		}
		return name, nil

	default: // StrategyFail, or unset
		return "", errtypes.NameConflict(name)
	}
}

// nextAvailableName finds the smallest n >= 1 such that "name (n)" (or
// "base (n).ext" when name has an extension) has no sibling collision
// under parentID.
func (s *Service) nextAvailableName(ctx context.Context, tx *sql.Tx, parentID int64, name string) (string, error) {
	base, ext := splitExt(name)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		_, err := catalogGetByParentAndNameTx(ctx, s.cat, tx, parentID, candidate)
		if errIsNotFound(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func splitExt(name string) (base, ext string) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return name, ""
	}
	return name[:dot], name[dot:]
}

// Delete removes id and, for a directory, its entire subtree, in one
// transaction; every removed file's blob is decremented, and any blob
// whose refcount reaches zero has its on-disk file removed once the
// transaction commits.
func (s *Service) Delete(ctx context.Context, id int64) error {
	var removedDigests []string
	err := s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		digests, err := s.collectFileDigests(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.cat.DeleteSubtree(ctx, tx, id); err != nil {
			return err
		}
		for _, d := range digests {
			if _, err := s.cat.Blobs().Lookup(ctx, tx, d); errIsNotFound(err) {
				removedDigests = append(removedDigests, d)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := appctx.GetLogger(ctx)
	for _, d := range removedDigests {
		if err := s.cat.Blobs().RemoveFile(d); err != nil {
			log.Warn().Err(err).Str("digest", d).Msg("failed to remove orphaned blob file")
		}
	}
	return nil
}

func (s *Service) collectFileDigests(ctx context.Context, tx *sql.Tx, id int64) ([]string, error) {
	n, err := s.cat.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var digests []string
	stack := []catalog.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.IsDir() {
			children, err := catalogListChildrenTx(ctx, s.cat, tx, cur.ID)
			if err != nil {
				return nil, err
			}
			stack = append(stack, children...)
			continue
		}
		if cur.Digest != "" {
			digests = append(digests, cur.Digest)
		}
	}
	return digests, nil
}

// Resolve walks a '/'-separated path from root.
func (s *Service) Resolve(ctx context.Context, path string) (catalog.Node, error) {
	return s.cat.Resolve(ctx, path)
}

// DownloadDescriptor points at a prepared download: the blob's on-disk
// path, its size, and the node's display name.
type DownloadDescriptor struct {
	Path string
	Size int64
	Name string
}

// PrepareDownload resolves id to its blob and increments its download
// count. It fails NotFound if the node does not exist, IsDirectory if id
// names a directory, and MissingBlob if the node's digest has no backing
// blob record — a catalog/filesystem divergence.
func (s *Service) PrepareDownload(ctx context.Context, id int64) (DownloadDescriptor, error) {
	var desc DownloadDescriptor
	err := s.cat.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := s.cat.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if n.IsDir() {
			return errtypes.IsDirectory(fmt.Sprintf("node %d", id))
		}

		if _, err := s.cat.Blobs().Lookup(ctx, tx, n.Digest); err != nil {
			if errIsNotFound(err) {
				return errtypes.MissingBlob(n.Digest)
			}
			return err
		}

		if err := s.cat.IncrementDownloadCount(ctx, tx, id); err != nil {
			return err
		}

		desc = DownloadDescriptor{
			Path: s.cat.Blobs().BlobPath(n.Digest),
			Size: n.Size,
			Name: n.Name,
		}
		return nil
	})
	return desc, err
}

func errIsNotFound(err error) bool {
	var nf errtypes.IsNotFound
	return errors.As(err, &nf)
}

// catalogGetByParentAndNameTx and catalogListChildrenTx route through
// the package-exported catalog methods reading via a transaction, since
// Catalog's own GetByParentAndName/ListChildren always read via the
// shared *sql.DB. The orchestrator needs read-your-writes visibility
// inside an open transaction, so it reaches the tx-scoped internals
// through these small helpers.
func catalogGetByParentAndNameTx(ctx context.Context, cat *catalog.Catalog, tx *sql.Tx, parentID int64, name string) (catalog.Node, error) {
	return cat.GetByParentAndNameTx(ctx, tx, parentID, name)
}

func catalogListChildrenTx(ctx context.Context, cat *catalog.Catalog, tx *sql.Tx, parentID int64) ([]catalog.Node, error) {
	return cat.ListChildrenTx(ctx, tx, parentID)
}
