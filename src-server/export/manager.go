// Package export generates joined, de-identified CSV datasets in the
// background. Each export job produces three files that can be re-joined
// externally by app_sess_code and track_sess_id without the original
// database.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"learntrack/src-server/utils"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var (
	ErrNotFound = errors.New("export file not found")
	ErrNotReady = errors.New("export file not ready")
)

type State int

const (
	STATE_REQUESTED = State(iota)
	STATE_GENERATING
	STATE_READY
	STATE_FAILED
)

// the three artifacts every export job produces
var fileKinds = []string{"app_sessions", "tracking_sessions", "tracking_events"}

type FileStatus struct {
	Filename string `json:"filename"`
	Ready    bool   `json:"ready"`
	Failed   bool   `json:"failed"`
}

type exportFile struct {
	name  string
	kind  string
	state State
	// set when the file is deleted mid-generation; the worker checks it
	// before the final write so a deleted file is never resurrected
	cancelled atomic.Bool
}

// Filter scopes an export. All fields are optional; zero values match
// everything.
type Filter struct {
	AppSessionCode string    `json:"app_sess_code,omitempty"`
	ApplicationID  int64     `json:"application_id,omitempty"`
	ConfigID       int64     `json:"config_id,omitempty"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
}

type Manager struct {
	db      *bun.DB
	dir     string
	metrics *utils.Metric

	mu    sync.Mutex
	files map[string]*exportFile
	jobs  map[string][]string
}

func NewManager(db *bun.DB, dir string, metrics *utils.Metric) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create export directory: %w", err)
	}
	return &Manager{
		db:      db,
		dir:     dir,
		metrics: metrics,
		files:   make(map[string]*exportFile),
		jobs:    make(map[string][]string),
	}, nil
}

// StartExport validates the filter, schedules background generation of
// all three files and returns immediately with a job ID.
//
// Filenames are always fresh: every job gets a timestamp + short job ID
// prefix, so two generation tasks can never race on the same output path.
func (m *Manager) StartExport(filter Filter) (string, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return "", fmt.Errorf("export filter end date is before start date")
	}

	jobID := uuid.NewString()
	prefix := fmt.Sprintf("%s_%s",
		time.Now().UTC().Format("2006-01-02_150405"), jobID[:8])

	files := make([]*exportFile, 0, len(fileKinds))
	names := make([]string, 0, len(fileKinds))

	m.mu.Lock()
	for _, kind := range fileKinds {
		name := prefix + "_" + kind + ".csv"
		if _, exists := m.files[name]; exists {
			m.mu.Unlock()
			return "", fmt.Errorf("export file %s is already being generated", name)
		}
		f := &exportFile{name: name, kind: kind, state: STATE_REQUESTED}
		m.files[name] = f
		files = append(files, f)
		names = append(names, name)
	}
	m.jobs[jobID] = names
	m.mu.Unlock()

	for _, f := range files {
		go m.generate(f, filter)
	}

	slog.Info("export scheduled", "job_id", jobID, "prefix", prefix)
	return jobID, nil
}

// Files reports every known export artifact: in-flight and finished files
// registered by this process, plus finished files left over on disk from
// previous runs.
func (m *Manager) Files() []FileStatus {
	seen := make(map[string]FileStatus)

	m.mu.Lock()
	for name, f := range m.files {
		seen[name] = FileStatus{
			Filename: name,
			Ready:    f.state == STATE_READY,
			Failed:   f.state == STATE_FAILED,
		}
	}
	m.mu.Unlock()

	if onDisk, err := filepath.Glob(filepath.Join(m.dir, "*.csv")); err == nil {
		for _, path := range onDisk {
			name := filepath.Base(path)
			if _, ok := seen[name]; !ok {
				seen[name] = FileStatus{Filename: name, Ready: true}
			}
		}
	}

	statuses := make([]FileStatus, 0, len(seen))
	for _, status := range seen {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Filename < statuses[j].Filename
	})
	return statuses
}

// Open returns the finished artifact for reading. ErrNotReady while
// generation is still running, ErrNotFound for unknown, failed or
// deleted files.
func (m *Manager) Open(filename string) (*os.File, error) {
	if !validFilename(filename) {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	f, registered := m.files[filename]
	var state State
	if registered {
		state = f.state
	}
	m.mu.Unlock()

	if registered {
		switch state {
		case STATE_REQUESTED, STATE_GENERATING:
			return nil, ErrNotReady
		case STATE_FAILED:
			return nil, ErrNotFound
		}
	}

	file, err := os.Open(filepath.Join(m.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("can't open export file: %w", err)
	}
	return file, nil
}

// Delete removes a generated artifact. Deleting a file that is still
// being generated cancels the pending final write.
func (m *Manager) Delete(filename string) error {
	if !validFilename(filename) {
		return ErrNotFound
	}

	m.mu.Lock()
	f, registered := m.files[filename]
	if registered {
		f.cancelled.Store(true)
		delete(m.files, filename)
	}
	m.mu.Unlock()

	err := os.Remove(filepath.Join(m.dir, filename))
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		if registered {
			// nothing on disk yet, cancellation is enough
			return nil
		}
		return ErrNotFound
	default:
		return fmt.Errorf("can't delete export file: %w", err)
	}
}

func (m *Manager) setState(f *exportFile, state State) {
	m.mu.Lock()
	f.state = state
	m.mu.Unlock()
}

// generate produces one CSV artifact. The data is written to a temp file
// first and renamed into place, so a reader can never observe a partial
// file as ready.
func (m *Manager) generate(f *exportFile, filter Filter) {
	start := time.Now()
	m.setState(f, STATE_GENERATING)

	finalPath := filepath.Join(m.dir, f.name)
	tmpPath := finalPath + ".tmp"

	if err := m.writeCSV(f, tmpPath, filter); err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil && !os.IsNotExist(removeErr) {
			slog.Warn("can't remove partial export file", "file", tmpPath, "error", removeErr)
		}
		m.setState(f, STATE_FAILED)
		slog.Error("export generation failed", "file", f.name, "error", err)
		return
	}

	if f.cancelled.Load() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("can't remove cancelled export file", "file", tmpPath, "error", err)
		}
		slog.Info("export generation cancelled", "file", f.name)
		return
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		m.setState(f, STATE_FAILED)
		slog.Error("can't move export file into place", "file", f.name, "error", err)
		return
	}
	m.setState(f, STATE_READY)

	if m.metrics != nil {
		m.metrics.Send(m.metrics.ExportDuration, time.Since(start).Seconds())
	}
	slog.Info("export file ready", "file", f.name, "took", time.Since(start))
}

func validFilename(filename string) bool {
	return filename != "" &&
		!strings.ContainsAny(filename, `/\`) &&
		filename == filepath.Base(filename) &&
		strings.HasSuffix(filename, ".csv")
}
