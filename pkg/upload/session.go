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

// Package upload implements the C4 upload session: the per-connection
// state machine that ingests a request body into a temp file while
// hashing it in-line, ready for the file service to commit atomically
// into the blob store and catalog.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hyperfs/hyperfs/pkg/errtypes"
)

// State is a session's position in the Idle → Receiving → Finalized |
// Aborted state machine.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateFinalized
	StateAborted
)

// Result is what Finish hands to the file service: the finished temp
// file, its content digest, and its byte size.
type Result struct {
	TempPath string
	Digest   [32]byte
	Size     int64
}

// DigestHex renders Result's digest as 64 lowercase hex characters.
func (r Result) DigestHex() string {
	return hex.EncodeToString(r.Digest[:])
}

// Session is single-threaded: ProcessChunk calls for one session must
// not overlap, matching one HTTP connection driving one session at a
// time.
type Session struct {
	tempDir  string
	tempPath string
	file     *os.File
	hasher   hash.Hash
	written  int64
	state    State
}

// Start creates a unique temp file under tempDir and initializes the
// hasher and byte counter. tempDir must already exist.
func Start(tempDir string) (*Session, error) {
	name := fmt.Sprintf("upload_%s.tmp", uuid.NewString())
	path := filepath.Join(tempDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errtypes.TransportError(err.Error())
	}

	return &Session{
		tempDir:  tempDir,
		tempPath: path,
		file:     f,
		hasher:   sha256.New(),
		state:    StateReceiving,
	}, nil
}

// ProcessChunk feeds b to the hasher and appends it to the temp file.
// The two advance over the same bytes in lockstep; a partial write
// failure aborts the session, since processed must always equal both
// hashed and written bytes.
func (s *Session) ProcessChunk(b []byte) error {
	if s.state != StateReceiving {
		return errtypes.InvalidState("session is not receiving")
	}

	n, err := s.file.Write(b)
	if err != nil {
		_ = s.Abort()
		return errtypes.TransportError(err.Error())
	}
	if n != len(b) {
		_ = s.Abort()
		return errtypes.TransportError("short write to temp file")
	}

	s.hasher.Write(b)
	s.written += int64(n)
	return nil
}

// Finish flushes and closes the temp file and returns the finished
// session's digest, size, and temp file path.
func (s *Session) Finish() (Result, error) {
	if s.state != StateReceiving {
		return Result{}, errtypes.InvalidState("session is not receiving")
	}

	if err := s.file.Sync(); err != nil {
		_ = s.Abort()
		return Result{}, errtypes.TransportError(err.Error())
	}
	if err := s.file.Close(); err != nil {
		s.state = StateAborted
		return Result{}, errtypes.TransportError(err.Error())
	}

	s.state = StateFinalized

	var digest [32]byte
	copy(digest[:], s.hasher.Sum(nil))

	return Result{
		TempPath: s.tempPath,
		Digest:   digest,
		Size:     s.written,
	}, nil
}

// Abort closes the handle and deletes the temp file, absorbing any I/O
// failure on a best-effort basis.
func (s *Session) Abort() error {
	if s.state == StateAborted || s.state == StateFinalized {
		return nil
	}
	s.state = StateAborted
	_ = s.file.Close()
	_ = os.Remove(s.tempPath)
	return nil
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// TempPath returns the path of the session's temp file.
func (s *Session) TempPath() string { return s.tempPath }
