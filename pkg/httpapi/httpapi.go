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

// Package httpapi implements the C6 JSON control endpoints: /list,
// /download, /upload, /delete, /folder, /move, /rename, /copy. It routes
// method+path to the C5 file service orchestrator via a chi router, the
// same routing library the teacher uses for its HTTP services.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hyperfs/hyperfs/pkg/catalog"
	"github.com/hyperfs/hyperfs/pkg/errtypes"
	"github.com/hyperfs/hyperfs/pkg/fileservice"
	"github.com/hyperfs/hyperfs/pkg/rangeutil"
	"github.com/hyperfs/hyperfs/pkg/upload"
	"github.com/hyperfs/hyperfs/pkg/workerpool"
)

// Service answers the JSON control endpoints described by C6, backed by
// a fileservice.Service and a bounded worker pool for the blocking calls
// it makes into SQL and the filesystem.
type Service struct {
	router *chi.Mux
	files  *fileservice.Service
	pool   *workerpool.Pool
	log    *zerolog.Logger
}

// New wires a Service's routes and returns it ready to be mounted as an
// http.Handler.
func New(files *fileservice.Service, pool *workerpool.Pool, log *zerolog.Logger) *Service {
	// chi's default method map only knows the standard HTTP verbs; the
	// WebDAV verbs below must be registered before the router is built
	// or it 405s them before handleWebDAV ever runs, the same
	// registration the teacher's pkg/micro/ocdav/service.go does for its
	// own WebDAV methods.
	chi.RegisterMethod("PROPFIND")
	chi.RegisterMethod("MKCOL")
	chi.RegisterMethod("COPY")
	chi.RegisterMethod("MOVE")

	s := &Service{
		router: chi.NewRouter(),
		files:  files,
		pool:   pool,
		log:    log,
	}

	s.router.Get("/list", s.handleList)
	s.router.Get("/download", s.handleDownload)
	s.router.Head("/download", s.handleDownload)
	s.router.Post("/upload", s.handleUpload)
	s.router.Post("/delete", s.handleDelete)
	s.router.Post("/folder", s.handleCreateFolder)
	s.router.Post("/move", s.handleMove)
	s.router.Post("/rename", s.handleRename)
	s.router.Post("/copy", s.handleCopy)

	s.router.Handle("/webdav/*", http.HandlerFunc(s.handleWebDAV))

	return s
}

// Handler returns the service's http.Handler.
func (s *Service) Handler() http.Handler { return s.router }

type nodeJSON struct {
	ID            int64  `json:"id"`
	ParentID      int64  `json:"parentId"`
	Name          string `json:"name"`
	IsFolder      bool   `json:"isFolder"`
	Digest        string `json:"digest,omitempty"`
	Size          int64  `json:"size"`
	UploadTime    int64  `json:"uploadTime"`
	DownloadCount int64  `json:"downloadCount"`
}

func toNodeJSON(n catalog.Node) nodeJSON {
	return nodeJSON{
		ID:            n.ID,
		ParentID:      n.ParentID,
		Name:          n.Name,
		IsFolder:      n.IsDir(),
		Digest:        n.Digest,
		Size:          n.Size,
		UploadTime:    n.UploadTime.UnixMilli(),
		DownloadCount: n.DownloadCount,
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	parentID, err := parseID(r.URL.Query().Get("parentId"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	ctx := r.Context()
	var children []catalog.Node
	err = s.pool.Do(ctx, func() error {
		var err error
		children, err = s.files.ListChildren(ctx, parentID)
		return err
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	out := make([]nodeJSON, 0, len(children))
	for _, c := range children {
		out = append(out, toNodeJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	ctx := r.Context()
	var desc fileservice.DownloadDescriptor
	err = s.pool.Do(ctx, func() error {
		var err error
		desc, err = s.files.PrepareDownload(ctx, id)
		return err
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	s.serveBlob(w, r, desc)
}

// serveBlob opens desc's on-disk blob and writes it to w, honoring a
// Range header per rangeutil's byte-range forms. It backs both the JSON
// /download endpoint and the WebDAV GET/HEAD handlers, which share the
// exact same range/Content-Disposition semantics against a resolved
// DownloadDescriptor.
func (s *Service) serveBlob(w http.ResponseWriter, r *http.Request, desc fileservice.DownloadDescriptor) {
	f, err := os.Open(desc.Path)
	if err != nil {
		writeError(w, s.log, errtypes.MissingBlob(desc.Path))
		return
	}
	defer f.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", contentDisposition(desc.Name))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, f)
		}
		return
	}

	ranges, err := rangeutil.ParseRange(rangeHeader, desc.Size)
	if err != nil {
		var unsatisfiable errtypes.IsRangeNotSatisfiable
		if errors.As(err, &unsatisfiable) {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(desc.Size, 10))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		// unparseable Range falls back to a full 200 response
		w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, f)
		}
		return
	}

	rng := ranges[0]
	w.Header().Set("Content-Range", rng.ContentRange(desc.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			s.log.Error().Err(err).Msg("seek failed mid-download")
			return
		}
		_, _ = io.CopyN(w, f, rng.Length)
	}
}

func contentDisposition(name string) string {
	return fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name))
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parentID, err := parseID(q.Get("parentId"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	name := q.Get("filename")
	if name == "" {
		writeError(w, s.log, errtypes.BadRequest("filename is required"))
		return
	}

	res, err := s.ingest(r.Body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	ctx := r.Context()
	var (
		id      int64
		outcome fileservice.UploadOutcome
	)
	err = s.pool.Do(ctx, func() error {
		var err error
		id, outcome, err = s.files.UploadCommit(ctx, parentID, name, res)
		return err
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"outcome": outcomeString(outcome),
	})
}

func outcomeString(o fileservice.UploadOutcome) string {
	switch o {
	case fileservice.OutcomeCreated:
		return "created"
	case fileservice.OutcomeDuplicate:
		return "duplicate"
	case fileservice.OutcomeOverwritten:
		return "overwritten"
	default:
		return "unknown"
	}
}

// ingest starts a fresh C4 upload session and drains body into it chunk
// by chunk, the same streaming-ingest loop the JSON /upload endpoint and
// the WebDAV PUT handler both need.
func (s *Service) ingest(body io.Reader) (upload.Result, error) {
	sess, err := s.files.StartUpload()
	if err != nil {
		return upload.Result{}, err
	}

	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if chunkErr := sess.ProcessChunk(buf[:n]); chunkErr != nil {
				return upload.Result{}, chunkErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = sess.Abort()
			return upload.Result{}, errtypes.TransportError(readErr.Error())
		}
	}

	return sess.Finish()
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	ctx := r.Context()
	err = s.pool.Do(ctx, func() error {
		return s.files.Delete(ctx, id)
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parentID, err := parseID(q.Get("parentId"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	name := q.Get("name")
	if name == "" {
		writeError(w, s.log, errtypes.BadRequest("name is required"))
		return
	}

	ctx := r.Context()
	var id int64
	err = s.pool.Do(ctx, func() error {
		var err error
		id, err = s.files.CreateFolder(ctx, parentID, name)
		return err
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

type moveOrCopyRequest struct {
	ID             int64  `json:"id"`
	TargetParentID int64  `json:"targetParentId"`
	Strategy       string `json:"strategy"`
}

func (req moveOrCopyRequest) conflictStrategy() fileservice.ConflictStrategy {
	switch req.Strategy {
	case string(fileservice.StrategyRename):
		return fileservice.StrategyRename
	case string(fileservice.StrategyOverwrite):
		return fileservice.StrategyOverwrite
	default:
		return fileservice.StrategyFail
	}
}

func (s *Service) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveOrCopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errtypes.BadRequest(err.Error()))
		return
	}

	ctx := r.Context()
	err := s.pool.Do(ctx, func() error {
		return s.files.Move(ctx, req.ID, req.TargetParentID, req.conflictStrategy())
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req moveOrCopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errtypes.BadRequest(err.Error()))
		return
	}

	ctx := r.Context()
	var newID int64
	err := s.pool.Do(ctx, func() error {
		var err error
		newID, err = s.files.Copy(ctx, req.ID, req.TargetParentID, req.conflictStrategy())
		return err
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": newID})
}

type renameRequest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (s *Service) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errtypes.BadRequest(err.Error()))
		return
	}

	ctx := r.Context()
	err := s.pool.Do(ctx, func() error {
		return s.files.Rename(ctx, req.ID, req.Name)
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(s string) (int64, error) {
	if s == "" {
		return catalog.RootID, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errtypes.BadRequest("invalid id: " + s)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a core error to its HTTP status per the error
// taxonomy's external mapping and writes "Error: <message>" as the body.
func writeError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Msg("hyperfs: request failed")
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("Error: " + err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.As(err, new(errtypes.IsBadRequest)):
		return http.StatusBadRequest
	case errors.As(err, new(errtypes.IsNotFound)):
		return http.StatusNotFound
	case errors.As(err, new(errtypes.IsIsDirectory)):
		return http.StatusBadRequest
	case errors.As(err, new(errtypes.IsBadTarget)):
		return http.StatusBadRequest
	case errors.As(err, new(errtypes.IsNameConflict)):
		return http.StatusConflict
	case errors.As(err, new(errtypes.IsCycleForbidden)):
		return http.StatusConflict
	case errors.As(err, new(errtypes.IsRangeNotSatisfiable)):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.As(err, new(errtypes.IsDigestCollision)):
		return http.StatusInternalServerError
	case errors.As(err, new(errtypes.IsInvariantViolation)):
		return http.StatusInternalServerError
	case errors.As(err, new(errtypes.IsMissingBlob)):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
