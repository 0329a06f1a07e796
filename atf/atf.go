/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package atf is the session/event-file writer the drain appends captured
// events to. It owns one session directory per traced process:
// `<output>/session_YYYYMMDD_HHMMSS/pid_<N>/`, holding a raw event stream
// file, an optional JSON manifest, and — when selective persistence is
// enabled — `window_metadata.jsonl`.
//
// Writer satisfies shutdown.Writer so the shutdown manager can fsync both
// files during its syncing phase without importing this package.
package atf

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adatrace/ada-core/errs"
)

// SessionInfo is the minimal manifest written once per session: just
// enough for a downstream tool to locate the session's companion files.
type SessionInfo struct {
	Dir         string    `json:"dir"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	SymbolsPath string    `json:"symbols_path,omitempty"`
}

// Writer owns one session's output files. Exactly one drain goroutine
// calls Append*; the shutdown manager reads EventsFile/ManifestFile under
// its own lock-free snapshot (the files are never replaced after Start,
// only closed).
type Writer struct {
	mu sync.Mutex

	dir          string
	eventsFile   *os.File
	eventsBuf    *bufio.Writer
	manifestFile *os.File
	manifestPath string

	bytesWritten uint64
}

// SessionDirName builds the "session_YYYYMMDD_HHMMSS" directory name for
// startedAt.
func SessionDirName(startedAt time.Time) string {
	return "session_" + startedAt.Format("20060102_150405")
}

// PidDirName builds the "pid_NNNNN" subdirectory name for pid.
func PidDirName(pid int) string {
	return fmt.Sprintf("pid_%05d", pid)
}

// StartSession creates `<outputDir>/session_.../pid_NNNNN/`, opens the
// event stream file, and — if writeManifest is true — writes the session
// manifest immediately (manifest content doesn't change after start). The
// manifest file stays open until StopSession so the shutdown manager can
// fsync it through ManifestFile.
func StartSession(outputDir string, pid int, startedAt time.Time, writeManifest bool, symbolsPath string) (*Writer, error) {
	if outputDir == "" {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "atf: empty output directory")
	}
	dir := filepath.Join(outputDir, SessionDirName(startedAt), PidDirName(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("atf: mkdir %s failed", dir))
	}

	eventsPath := filepath.Join(dir, "events.atf")
	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.ErrIoFailure, fmt.Sprintf("atf: create %s failed", eventsPath))
	}

	w := &Writer{
		dir:        dir,
		eventsFile: ef,
		eventsBuf:  bufio.NewWriterSize(ef, 256*1024),
	}

	if writeManifest {
		w.manifestPath = filepath.Join(dir, "manifest.json")
		info := SessionInfo{Dir: dir, PID: pid, StartedAt: startedAt, SymbolsPath: symbolsPath}
		b, mErr := json.MarshalIndent(info, "", "  ")
		if mErr == nil {
			if mf, wErr := os.OpenFile(w.manifestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644); wErr == nil {
				mf.Write(b)
				w.manifestFile = mf
			}
		}
	}

	return w, nil
}

// Dir returns the session's pid-scoped output directory.
func (w *Writer) Dir() string { return w.dir }

// AppendIndexBatch writes n encoded IndexEvent records (each
// ring.IndexEventSize bytes, already packed by the caller) to the event
// stream. Best-effort: an I/O error is returned but does not invalidate
// the writer — the drain keeps going.
func (w *Writer) AppendIndexBatch(buf []byte) (int, error) {
	return w.append(buf)
}

// AppendDetailBatch writes n encoded DetailEvent records to the event
// stream. Index and detail events share one stream; each record is
// self-describing by its fixed size class at the protocol layer this
// package's caller (the drain) already tracks per lane.
func (w *Writer) AppendDetailBatch(buf []byte) (int, error) {
	return w.append(buf)
}

func (w *Writer) append(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.eventsBuf.Write(buf)
	w.bytesWritten += uint64(n)
	if err != nil {
		return n, errs.Wrap(errs.ErrIoFailure, "atf: append failed")
	}
	return n, nil
}

// BytesWritten returns the number of event-stream bytes accepted so far.
func (w *Writer) BytesWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// EventsFile satisfies shutdown.Writer.
func (w *Writer) EventsFile() *os.File { return w.eventsFile }

// ManifestFile satisfies shutdown.Writer.
func (w *Writer) ManifestFile() *os.File { return w.manifestFile }

// ManifestPath returns the manifest's on-disk path, empty if manifests
// are disabled for this session. Lets the shutdown sync phase reopen the
// manifest by path after StopSession has already closed the handle.
func (w *Writer) ManifestPath() string { return w.manifestPath }

// Flush pushes the buffered event stream to the OS without fsyncing (the
// shutdown manager does the fsync; this is for the drain's periodic tick
// so readers tailing the file see recent data).
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.eventsBuf.Flush(); err != nil {
		return errs.Wrap(errs.ErrIoFailure, "atf: flush failed")
	}
	return nil
}

// StopSession flushes and closes both files. Idempotent.
func (w *Writer) StopSession() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if w.eventsBuf != nil {
		if err := w.eventsBuf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.eventsFile != nil {
		if err := w.eventsFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.eventsFile = nil
	}
	if w.manifestFile != nil {
		if err := w.manifestFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.manifestFile = nil
	}
	if firstErr != nil {
		return errs.Wrap(errs.ErrIoFailure, "atf: stop_session close failed")
	}
	return nil
}

// WindowMetadataPath returns the well-known selective-persistence
// metadata sink inside dir.
func WindowMetadataPath(dir string) string {
	return filepath.Join(dir, "window_metadata.jsonl")
}

// WindowMetadataRecord is one JSON-lines record appended on every
// selective-persistence dump.
type WindowMetadataRecord struct {
	WindowID  uint64 `json:"window_id"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
	FirstMark uint64 `json:"first_mark"`
	Total     uint64 `json:"total"`
	Marked    uint64 `json:"marked"`
	MarkSeen  bool   `json:"mark_seen"`
}

// WindowMetadataWriter appends one JSON-lines record per call to a
// session's window_metadata.jsonl, created lazily on first use.
type WindowMetadataWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewWindowMetadataWriter returns a writer targeting dir's well-known
// metadata file. Empty or overlong session dirs are rejected as
// invalid arguments.
func NewWindowMetadataWriter(dir string) (*WindowMetadataWriter, error) {
	if dir == "" || len(dir) > 4096 {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "atf: invalid session dir for window metadata")
	}
	return &WindowMetadataWriter{path: WindowMetadataPath(dir)}, nil
}

// Append writes one record as a JSON line, opening the file on first use.
func (m *WindowMetadataWriter) Append(rec WindowMetadataRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errs.Wrap(errs.ErrIoFailure, "atf: open window_metadata.jsonl failed")
		}
		m.f = f
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.ErrInvalidArgument, "atf: marshal window metadata failed")
	}
	b = append(b, '\n')
	if _, err := m.f.Write(b); err != nil {
		return errs.Wrap(errs.ErrIoFailure, "atf: append window_metadata.jsonl failed")
	}
	return nil
}

// Close closes the underlying file if it was ever opened.
func (m *WindowMetadataWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	if err != nil {
		return errs.Wrap(errs.ErrIoFailure, "atf: close window_metadata.jsonl failed")
	}
	return nil
}
