package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LoadFile reads the pool file. It accepts the canonical array form and the
// legacy single-object form (promoted to a one-element list). A missing file
// is an empty pool. A file that cannot be parsed is copied to
// <path>.bak.<unix-ms> and reported as empty so the process can continue;
// the in-memory pool stays authoritative from then on.
func LoadFile(path string, logger *zap.Logger) ([]*Credential, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pool file: %w", err)
	}

	creds, err := decodePoolFile(data)
	if err != nil {
		backup := fmt.Sprintf("%s.bak.%d", path, time.Now().UnixMilli())
		if werr := os.WriteFile(backup, data, 0o600); werr != nil {
			logger.Error("backing up unreadable pool file", zap.String("path", path), zap.Error(werr))
		} else {
			logger.Warn("pool file unreadable, backed up and starting empty",
				zap.String("path", path),
				zap.String("backup", backup),
				zap.Error(err))
		}
		return nil, nil
	}

	return creds, nil
}

func decodePoolFile(data []byte) ([]*Credential, error) {
	var creds []*Credential
	if err := json.Unmarshal(data, &creds); err == nil {
		return creds, nil
	}

	// Legacy shape: a bare credential object.
	var single Credential
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parsing pool file: %w", err)
	}
	if single.RefreshToken == "" {
		return nil, errors.New("parsing pool file: object has no refreshToken")
	}
	return []*Credential{&single}, nil
}

// WriteFile writes the pool atomically: a staging sibling is written and
// fsynced, then renamed over the target. Readers never observe a torn file.
func WriteFile(path string, creds []*Credential) error {
	if creds == nil {
		creds = []*Credential{}
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pool: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating pool dir: %w", err)
		}
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UnixMilli())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing staging file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing pool file: %w", err)
	}

	return nil
}

// fileSaver serializes pool writes on a single goroutine. Mutations drop
// their snapshot into a one-slot mailbox; a burst of mutations coalesces so
// only the newest state lands on disk. Write failures are logged and the
// snapshot is retried on the next mutation.
type fileSaver struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	pending []*Credential
	has     bool

	kick     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func newFileSaver(path string, logger *zap.Logger) *fileSaver {
	s := &fileSaver{
		path:   path,
		logger: logger,
		kick:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule queues a snapshot for writing, replacing any not-yet-written one.
func (s *fileSaver) Schedule(snapshot []*Credential) {
	s.mu.Lock()
	s.pending = snapshot
	s.has = true
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close flushes the pending snapshot and stops the writer. Safe to call
// more than once.
func (s *fileSaver) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *fileSaver) run() {
	defer close(s.done)
	for {
		select {
		case <-s.kick:
			s.writePending()
		case <-s.quit:
			s.writePending()
			return
		}
	}
}

func (s *fileSaver) writePending() {
	s.mu.Lock()
	snapshot, has := s.pending, s.has
	s.pending, s.has = nil, false
	s.mu.Unlock()

	if !has {
		return
	}

	if err := WriteFile(s.path, snapshot); err != nil {
		s.logger.Error("persisting pool", zap.String("path", s.path), zap.Error(err))
	}
}
