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

// Package catalog persists the hierarchical tree of file and directory
// nodes described by the C3 metadata catalog. It owns the embedded SQL
// store (WAL-mode sqlite) shared with the blob store, and every
// multi-step mutation runs inside one serializable transaction so a
// sibling check and the write it guards are never split across commits.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/hyperfs/hyperfs/pkg/blobstore"
	"github.com/hyperfs/hyperfs/pkg/errtypes"
)

// RootID is the implicit id of the catalog root. It is never stored as a
// row; InsertFile/InsertFolder with parentId == RootID attach directly
// under it.
const RootID int64 = 0

// Kind distinguishes a file node from a directory node.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// Node is a single entry in the catalog tree.
type Node struct {
	ID            int64
	ParentID      int64
	Name          string
	Kind          Kind
	Digest        string // empty for directories
	Size          int64
	UploadTime    time.Time
	DownloadCount int64
}

// IsDir reports whether n is a directory node.
func (n Node) IsDir() bool { return n.Kind == KindDirectory }

// Root returns the synthetic root descriptor: id 0, a directory, with no
// parent of its own.
func Root() Node {
	return Node{ID: RootID, ParentID: RootID, Name: "", Kind: KindDirectory}
}

// Catalog wraps the database connection and the blob store it composes
// refcount updates with inside shared transactions.
type Catalog struct {
	db    *sql.DB
	blobs *blobstore.Store
}

// Open opens (creating if needed) the sqlite database at path in WAL mode
// and ensures the schema exists. blobs is the blob store whose refcount
// mutations will be folded into the catalog's transactions.
func Open(path string, blobs *blobstore.Store) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errtypes.TransportError(errors.Wrapf(err, "opening catalog database at %s", path).Error())
	}
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, blobs: blobs}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating catalog schema")
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			digest     TEXT PRIMARY KEY,
			size       INTEGER NOT NULL,
			refcount   INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_id       INTEGER NOT NULL DEFAULT 0,
			name            TEXT NOT NULL,
			is_folder       INTEGER NOT NULL,
			digest          TEXT,
			size            INTEGER NOT NULL DEFAULT 0,
			upload_time     INTEGER NOT NULL,
			download_count  INTEGER NOT NULL DEFAULT 0,
			UNIQUE(parent_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent_id ON nodes(parent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return errtypes.TransportError(err.Error())
		}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx; rows-returning helpers
// accept it so they can run either standalone or inside a caller's
// transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanNode(row interface{ Scan(dest ...any) error }) (Node, error) {
	var n Node
	var isFolder int
	var digest sql.NullString
	var uploadTimeMillis int64
	err := row.Scan(&n.ID, &n.ParentID, &n.Name, &isFolder, &digest, &n.Size, &uploadTimeMillis, &n.DownloadCount)
	if err != nil {
		return Node{}, err
	}
	if isFolder != 0 {
		n.Kind = KindDirectory
	} else {
		n.Kind = KindFile
	}
	if digest.Valid {
		n.Digest = digest.String
	}
	n.UploadTime = time.UnixMilli(uploadTimeMillis).UTC()
	return n, nil
}

const nodeColumns = `id, parent_id, name, is_folder, digest, size, upload_time, download_count`

// GetByID returns the node with id, or the synthetic root when id ==
// RootID.
func (c *Catalog) GetByID(ctx context.Context, id int64) (Node, error) {
	return c.getByID(ctx, c.db, id)
}

func (c *Catalog) getByID(ctx context.Context, q querier, id int64) (Node, error) {
	if id == RootID {
		return Root(), nil
	}
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, errtypes.NotFound(fmt.Sprintf("node %d", id))
	}
	if err != nil {
		return Node{}, errtypes.TransportError(err.Error())
	}
	return n, nil
}

// ListChildren returns the children of parentId in a stable order.
func (c *Catalog) ListChildren(ctx context.Context, parentID int64) ([]Node, error) {
	return c.listChildren(ctx, c.db, parentID)
}

func (c *Catalog) listChildren(ctx context.Context, q querier, parentID int64) ([]Node, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, errtypes.TransportError(err.Error())
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, errtypes.TransportError(err.Error())
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errtypes.TransportError(err.Error())
	}
	return out, nil
}

// GetByParentAndName returns the child of parentId named name, or
// NotFound.
func (c *Catalog) GetByParentAndName(ctx context.Context, parentID int64, name string) (Node, error) {
	return c.getByParentAndName(ctx, c.db, parentID, name)
}

func (c *Catalog) getByParentAndName(ctx context.Context, q querier, parentID int64, name string) (Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? AND name = ?`, parentID, name)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, errtypes.NotFound(fmt.Sprintf("%d/%s", parentID, name))
	}
	if err != nil {
		return Node{}, errtypes.TransportError(err.Error())
	}
	return n, nil
}

// GetByParentAndNameTx is GetByParentAndName scoped to an
// already-open transaction, for callers (the orchestrator) composing
// catalog reads and writes inside their own transaction boundary.
func (c *Catalog) GetByParentAndNameTx(ctx context.Context, tx *sql.Tx, parentID int64, name string) (Node, error) {
	return c.getByParentAndName(ctx, tx, parentID, name)
}

// ListChildrenTx is ListChildren scoped to an already-open transaction.
func (c *Catalog) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID int64) ([]Node, error) {
	return c.listChildren(ctx, tx, parentID)
}

// WithTx runs fn inside a fresh serializable transaction, committing on a
// nil return and rolling back otherwise.
func (c *Catalog) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errtypes.TransportError(err.Error())
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errtypes.TransportError(err.Error())
	}
	return nil
}

func requireDirectory(n Node) error {
	if !n.IsDir() {
		return errtypes.BadTarget(fmt.Sprintf("%d is not a directory", n.ID))
	}
	return nil
}

// InsertFile creates a new file node. The caller must have already placed
// or reference-counted the blob for digest; InsertFile only writes the
// nodes row.
func (c *Catalog) InsertFile(ctx context.Context, tx *sql.Tx, parentID int64, name string, digest string, size int64, now time.Time) (int64, error) {
	if parentID != RootID {
		parent, err := c.getByID(ctx, tx, parentID)
		if err != nil {
			return 0, err
		}
		if err := requireDirectory(parent); err != nil {
			return 0, err
		}
	}

	if _, err := c.getByParentAndName(ctx, tx, parentID, name); err == nil {
		return 0, errtypes.NameConflict(name)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (parent_id, name, is_folder, digest, size, upload_time, download_count) VALUES (?, ?, 0, ?, ?, ?, 0)`,
		parentID, name, digest, size, now.UnixMilli())
	if err != nil {
		return 0, classifyWriteErr(err, name)
	}
	return res.LastInsertId()
}

// InsertFolder creates a new directory node.
func (c *Catalog) InsertFolder(ctx context.Context, tx *sql.Tx, parentID int64, name string, now time.Time) (int64, error) {
	if parentID != RootID {
		parent, err := c.getByID(ctx, tx, parentID)
		if err != nil {
			return 0, err
		}
		if err := requireDirectory(parent); err != nil {
			return 0, err
		}
	}

	if _, err := c.getByParentAndName(ctx, tx, parentID, name); err == nil {
		return 0, errtypes.NameConflict(name)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (parent_id, name, is_folder, digest, size, upload_time, download_count) VALUES (?, ?, 1, NULL, 0, ?, 0)`,
		parentID, name, now.UnixMilli())
	if err != nil {
		return 0, classifyWriteErr(err, name)
	}
	return res.LastInsertId()
}

func classifyWriteErr(err error, name string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errtypes.NameConflict(name)
	}
	return errtypes.TransportError(err.Error())
}

// UpdateFileContent replaces the content reference of an existing file
// node, decrementing the old blob inside tx. It does not increment the
// new blob: the caller must already have called InsertOrIncrement for
// newDigest in the same tx. If newDigest equals the node's current
// digest this is a metadata timestamp update only; the blob refcount is
// left untouched.
func (c *Catalog) UpdateFileContent(ctx context.Context, tx *sql.Tx, id int64, newDigest string, size int64, now time.Time) error {
	n, err := c.getByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return errtypes.IsDirectory(fmt.Sprintf("node %d", id))
	}

	if n.Digest != newDigest {
		if n.Digest != "" {
			if _, err := c.blobs.Decrement(ctx, tx, n.Digest); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET digest = ?, size = ?, upload_time = ? WHERE id = ?`,
		newDigest, size, now.UnixMilli(), id); err != nil {
		return errtypes.TransportError(err.Error())
	}
	return nil
}

// RestoreFileContent overwrites a file node's digest/size/upload_time in
// place without touching any blob refcount. It exists for the
// upload-commit compensating transaction (spec.md §4.3 step 8): once the
// caller has separately restored the prior blob's refcount, this writes
// the node row back to match, undoing the metadata half of a commit whose
// post-commit rename failed.
func (c *Catalog) RestoreFileContent(ctx context.Context, tx *sql.Tx, id int64, digest string, size int64, uploadTime time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET digest = ?, size = ?, upload_time = ? WHERE id = ?`,
		digest, size, uploadTime.UnixMilli(), id); err != nil {
		return errtypes.TransportError(err.Error())
	}
	return nil
}

// Rename changes a node's name within its current parent.
func (c *Catalog) Rename(ctx context.Context, tx *sql.Tx, id int64, newName string) error {
	n, err := c.getByID(ctx, tx, id)
	if err != nil {
		return err
	}

	if _, err := c.getByParentAndName(ctx, tx, n.ParentID, newName); err == nil {
		return errtypes.NameConflict(newName)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET name = ? WHERE id = ?`, newName, id); err != nil {
		return classifyWriteErr(err, newName)
	}
	return nil
}

// Reparent moves id to be a child of newParentID under newName, a
// combined move+rename. Callers are responsible for the cycle check
// (§4.3); Reparent only enforces name-uniqueness and that newParentID is
// a directory.
func (c *Catalog) Reparent(ctx context.Context, tx *sql.Tx, id int64, newParentID int64, newName string) error {
	if newParentID != RootID {
		parent, err := c.getByID(ctx, tx, newParentID)
		if err != nil {
			return err
		}
		if err := requireDirectory(parent); err != nil {
			return err
		}
	}

	if _, err := c.getByParentAndName(ctx, tx, newParentID, newName); err == nil {
		return errtypes.NameConflict(newName)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET parent_id = ?, name = ? WHERE id = ?`, newParentID, newName, id); err != nil {
		return classifyWriteErr(err, newName)
	}
	return nil
}

// IncrementDownloadCount bumps id's download_count by one.
func (c *Catalog) IncrementDownloadCount(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE nodes SET download_count = download_count + 1 WHERE id = ?`, id)
	if err != nil {
		return errtypes.TransportError(err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errtypes.TransportError(err.Error())
	}
	if n == 0 {
		return errtypes.NotFound(fmt.Sprintf("node %d", id))
	}
	return nil
}

// IsAncestor reports whether candidateAncestorID is id itself or any
// node reached by following parent_id upward from id. Used to implement
// the move cycle check (§4.3): callers pass the move's destination and
// check whether the source id is an ancestor of it (i.e. would be moved
// into its own subtree).
func (c *Catalog) IsAncestor(ctx context.Context, tx *sql.Tx, candidateAncestorID, id int64) (bool, error) {
	cur := id
	for {
		if cur == candidateAncestorID {
			return true, nil
		}
		if cur == RootID {
			return false, nil
		}
		n, err := c.getByID(ctx, tx, cur)
		if err != nil {
			return false, err
		}
		cur = n.ParentID
	}
}

// DeleteSubtree recursively deletes id and everything beneath it,
// decrementing the blob of every file removed. Traversal is iterative
// (explicit stack) to bound call depth and keep the transaction
// auditable.
func (c *Catalog) DeleteSubtree(ctx context.Context, tx *sql.Tx, id int64) error {
	root, err := c.getByID(ctx, tx, id)
	if err != nil {
		return err
	}

	// Post-order: collect the full subtree first, deepest last, then
	// delete children before parents so no row ever references a
	// deleted parent.
	var order []Node
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		if n.IsDir() {
			children, err := c.listChildren(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			stack = append(stack, children...)
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if !n.IsDir() && n.Digest != "" {
			if _, err := c.blobs.Decrement(ctx, tx, n.Digest); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, n.ID); err != nil {
			return errtypes.TransportError(err.Error())
		}
	}
	return nil
}

// Resolve walks a '/'-separated path from root via repeated
// GetByParentAndName. The empty path and "/" resolve to the synthetic
// root.
func (c *Catalog) Resolve(ctx context.Context, path string) (Node, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return Root(), nil
	}

	cur := Root()
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		n, err := c.GetByParentAndName(ctx, cur.ID, part)
		if err != nil {
			return Node{}, errtypes.NotFound(path)
		}
		cur = n
	}
	return cur, nil
}

// DB exposes the underlying *sql.DB for callers (the orchestrator) that
// need to open their own transactions composing catalog and blob store
// calls.
func (c *Catalog) DB() *sql.DB { return c.db }

// Blobs exposes the blob store the catalog was opened with.
func (c *Catalog) Blobs() *blobstore.Store { return c.blobs }
