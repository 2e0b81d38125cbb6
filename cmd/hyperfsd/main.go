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

// Command hyperfsd starts the content-addressed file storage service:
// it wires the blob store, metadata catalog, file service orchestrator,
// and HTTP/WebDAV adapter into a single process, following the shape of
// the teacher's cmd/revad/main.go (parse flags, build a zerolog logger,
// construct the stack, serve, and block on an OS-signal channel for
// graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperfs/hyperfs/pkg/appctx"
	"github.com/hyperfs/hyperfs/pkg/blobstore"
	"github.com/hyperfs/hyperfs/pkg/catalog"
	"github.com/hyperfs/hyperfs/pkg/cfg"
	"github.com/hyperfs/hyperfs/pkg/fileservice"
	"github.com/hyperfs/hyperfs/pkg/httpapi"
	"github.com/hyperfs/hyperfs/pkg/workerpool"
)

var (
	portFlag    = flag.Int("p", 9000, "bound port")
	dataDirFlag = flag.String("data-dir", "/var/lib/hyperfs/blobs", "content-addressed blob directory")
	tmpDirFlag  = flag.String("tmp-dir", "/var/lib/hyperfs/tmp", "in-flight upload temp directory")
	dbDirFlag   = flag.String("db-dir", "/var/lib/hyperfs/db", "embedded SQL store directory")
)

// config is the process-level parameter set, decoded from a
// map[string]any through pkg/cfg.Decode, which follows a
// decode-then-apply-defaults-then-validate contract.
type config struct {
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
	TmpDir  string `mapstructure:"tmp_dir" validate:"required"`
	DBDir   string `mapstructure:"db_dir" validate:"required"`
}

func (c *config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 9000
	}
}

func main() {
	flag.Parse()

	raw := map[string]any{
		"port":     *portFlag,
		"data_dir": *dataDirFlag,
		"tmp_dir":  *tmpDirFlag,
		"db_dir":   *dbDirFlag,
	}
	var c config
	if err := cfg.Decode(raw, &c); err != nil {
		fmt.Fprintf(os.Stderr, "hyperfsd: invalid configuration: %s\n", err.Error())
		os.Exit(1)
	}

	log := newLogger()
	if err := run(c, log); err != nil {
		log.Error().Err(err).Msg("hyperfsd: fatal error")
		os.Exit(1)
	}
}

func newLogger() *zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	l := zerolog.New(w).With().Timestamp().Int("pid", os.Getpid()).Logger()
	return &l
}

func run(c config, log *zerolog.Logger) error {
	for _, dir := range []string{c.DataDir, c.TmpDir, c.DBDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	blobs := blobstore.New(c.DataDir)
	cat, err := catalog.Open(filepath.Join(c.DBDir, "hyperfs.db"), blobs)
	if err != nil {
		return err
	}
	defer cat.Close()

	files := fileservice.New(cat, c.TmpDir)
	pool := workerpool.New(workerpool.DefaultSize)
	api := httpapi.New(files, pool, log)

	addr := fmt.Sprintf(":%d", c.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: api.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return appctx.WithLogger(context.Background(), log)
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("hyperfsd: listening")
		serveErr <- srv.Serve(ln)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("hyperfsd: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
