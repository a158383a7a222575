// Package session implements the persisted state layout: one directory per
// session under <work_dir>/.kimi/sessions/<uuid>/ holding session.json
// (metadata), context.json (the serialised transcript), and wire.jsonl
// (an append-only NDJSON record of emitted wire events).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/transcript"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/wire"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// Metadata is the session.json record.
type Metadata struct {
	ID        string    `json:"id"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is one session's on-disk home.
type Store struct {
	dir    string
	meta   Metadata
	logger *zap.Logger
}

// DefaultRoot returns <work_dir>/.kimi/sessions.
func DefaultRoot(workDir string) string {
	return filepath.Join(workDir, ".kimi", "sessions")
}

// New creates a fresh session directory under root and writes its
// session.json.
func New(root, workDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meta := Metadata{
		ID:        uuid.NewString(),
		WorkDir:   workDir,
		CreatedAt: time.Now().UTC(),
	}
	dir := filepath.Join(root, meta.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.NewInternalErrorWithCause("create session dir", err)
	}

	s := &Store{dir: dir, meta: meta, logger: logger}
	if err := s.writeJSON("session.json", meta); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads an existing session directory by id.
func Open(root, id string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, id)
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("session %s", id))
		}
		return nil, errors.NewInternalErrorWithCause("read session.json", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.NewInternalErrorWithCause("parse session.json", err)
	}
	return &Store{dir: dir, meta: meta, logger: logger}, nil
}

// ID returns the session's uuid.
func (s *Store) ID() string { return s.meta.ID }

// Dir returns the session directory path.
func (s *Store) Dir() string { return s.dir }

// Meta returns the session metadata.
func (s *Store) Meta() Metadata { return s.meta }

// ContextPath is where the transcript lives.
func (s *Store) ContextPath() string { return filepath.Join(s.dir, "context.json") }

// WirePath is where the event log lives.
func (s *Store) WirePath() string { return filepath.Join(s.dir, "wire.jsonl") }

// SaveContext persists the transcript to context.json.
func (s *Store) SaveContext(t *transcript.Transcript) error {
	return t.Save(s.ContextPath())
}

// LoadContext restores the transcript from context.json. A missing file is
// not an error — a fresh session simply has no context yet.
func (s *Store) LoadContext(t *transcript.Transcript) error {
	if _, err := os.Stat(s.ContextPath()); os.IsNotExist(err) {
		return nil
	}
	return t.Load(s.ContextPath())
}

// RecordWire subscribes a raw-view consumer on w and appends every event
// it sees to wire.jsonl, one JSON object per line. It returns after the
// recorder goroutine has started; the goroutine itself runs until the
// wire closes. done (optional) is closed once the log is fully flushed,
// letting a caller wait for the file before reading it back.
func (s *Store) RecordWire(w *wire.Wire, done chan<- struct{}) error {
	f, err := os.OpenFile(s.WirePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.NewInternalErrorWithCause("open wire.jsonl", err)
	}

	consumer := w.Raw()
	safego.Go(s.logger, "wire-recorder", func() {
		defer f.Close()
		if done != nil {
			defer close(done)
		}
		enc := json.NewEncoder(f)
		for {
			event, err := consumer.Recv(nil)
			if err != nil {
				return
			}
			if err := enc.Encode(event); err != nil {
				s.logger.Warn("wire.jsonl write failed", zap.Error(err))
				return
			}
		}
	})
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewInternalErrorWithCause("marshal "+name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return errors.NewInternalErrorWithCause("write "+name, err)
	}
	return nil
}

// DiagnosticResult is one environment check's outcome, rendered by the
// doctor subcommand.
type DiagnosticResult struct {
	Name   string
	Detail string
	OK     bool
}

// Diagnose runs the environment checks a first run depends on: a working
// shell, a writable session root, and a valid persisted device id.
func Diagnose(root string, deviceID string) []DiagnosticResult {
	var results []DiagnosticResult

	shell, err := exec.LookPath("bash")
	if err != nil {
		shell, err = exec.LookPath("sh")
	}
	if err != nil {
		results = append(results, DiagnosticResult{Name: "shell", Detail: "no bash or sh on PATH", OK: false})
	} else {
		results = append(results, DiagnosticResult{Name: "shell", Detail: shell, OK: true})
	}

	results = append(results, diagnoseRoot(root))

	if len(deviceID) == 32 {
		results = append(results, DiagnosticResult{Name: "device id", Detail: deviceID, OK: true})
	} else {
		results = append(results, DiagnosticResult{
			Name: "device id", Detail: fmt.Sprintf("unexpected value %q", deviceID), OK: false,
		})
	}

	return results
}

func diagnoseRoot(root string) DiagnosticResult {
	r := DiagnosticResult{Name: "session root", Detail: root}
	if err := os.MkdirAll(root, 0o700); err != nil {
		r.Detail = fmt.Sprintf("%s not creatable: %v", root, err)
		return r
	}
	probe := filepath.Join(root, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		r.Detail = fmt.Sprintf("%s not writable: %v", root, err)
		return r
	}
	os.Remove(probe)
	if _, err := os.ReadDir(root); err != nil {
		r.Detail = fmt.Sprintf("%s not listable: %v", root, err)
		return r
	}
	r.OK = true
	return r
}
