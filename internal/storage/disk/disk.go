// Package disk stores queues as files under a root directory:
//
//	<root>/queues/<escaped name>/queue.pb
//	<root>/queues/<escaped name>/msg/<seq>.msg
//
// Files are written via rename; with Fsync enabled, written files and their
// directories are fdatasync'ed once per Commit.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/storage"
)

const (
	queueFile = "queue.pb"
	msgDir    = "msg"
	msgSuffix = ".msg"
	lockName  = ".lock"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Fsync makes Commit durable; without it data reaches the page cache only.
	Fsync  bool
	Logger pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	queuesDir string
	fsync     bool
	logger    pslog.Logger
	lock      *os.File

	mu      sync.Mutex
	nextID  uint64
	pending map[string]struct{}
	closed  bool
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.QueueLister   = (*Store)(nil)
	_ storage.MessageLister = (*Store)(nil)
)

// New opens (creating if needed) the store rooted at cfg.Root and takes an
// exclusive advisory lock on it.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	queuesDir := filepath.Join(root, "queues")
	if err := os.MkdirAll(queuesDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", queuesDir, err)
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	if isNFS(root) {
		logger.Warn("disk.nfs_detected", "root", root, "hint", "advisory locks on NFS are unreliable; use one process per root")
	}
	lockFileHandle, err := os.OpenFile(filepath.Join(root, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	if err := lockFile(lockFileHandle); err != nil {
		lockFileHandle.Close()
		return nil, fmt.Errorf("disk: lock root %q: %w", root, err)
	}
	s := &Store{
		root:      root,
		queuesDir: queuesDir,
		fsync:     cfg.Fsync,
		logger:    logger,
		lock:      lockFileHandle,
		pending:   make(map[string]struct{}),
	}
	recs, err := s.ListQueues(context.Background())
	if err != nil {
		s.Close()
		return nil, err
	}
	for _, rec := range recs {
		if rec.PersistenceID > s.nextID {
			s.nextID = rec.PersistenceID
		}
	}
	return s, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string {
	return "disk://" + s.root
}

// Close releases the root lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	if err := unlockFile(s.lock); err != nil {
		s.lock.Close()
		return err
	}
	return s.lock.Close()
}

func (s *Store) queueDir(name string) string {
	return filepath.Join(s.queuesDir, storage.EscapeName(name))
}

func (s *Store) msgPath(queue string, seq uint64) string {
	return filepath.Join(s.queueDir(queue), msgDir, storage.SeqKey(seq)+msgSuffix)
}

func (s *Store) checkOpen() error {
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// CreateQueue writes the queue record under a new persistence ID.
func (s *Store) CreateQueue(_ context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return storage.QueueHandle{}, err
	}
	dir := s.queueDir(rec.Name)
	if _, err := os.Stat(filepath.Join(dir, queueFile)); err == nil {
		return storage.QueueHandle{}, fmt.Errorf("disk: queue %q: %w", rec.Name, storage.ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(dir, msgDir), 0o755); err != nil {
		return storage.QueueHandle{}, storage.NewFatalError(fmt.Errorf("disk: create queue %q: %w", rec.Name, err))
	}
	s.nextID++
	rec.PersistenceID = s.nextID
	if err := s.writeFileLocked(filepath.Join(dir, queueFile), storage.MarshalQueueRecord(rec)); err != nil {
		return storage.QueueHandle{}, err
	}
	s.pending[s.queuesDir] = struct{}{}
	return storage.QueueHandle{ID: rec.PersistenceID, Name: rec.Name, Key: dir}, nil
}

// DestroyQueue removes the queue directory when deleteData is set; otherwise
// the queue stays on disk for the next recovery.
func (s *Store) DestroyQueue(_ context.Context, handle storage.QueueHandle, deleteData bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	dir := s.queueDir(handle.Name)
	if _, err := os.Stat(filepath.Join(dir, queueFile)); err != nil {
		return mapErr("destroy queue "+handle.Name, err)
	}
	if !deleteData {
		return nil
	}
	for path := range s.pending {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) || path == dir {
			delete(s.pending, path)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return storage.NewFatalError(fmt.Errorf("disk: remove queue %q: %w", handle.Name, err))
	}
	s.pending[s.queuesDir] = struct{}{}
	return nil
}

// FlushQueue syncs the queue's pending files immediately.
func (s *Store) FlushQueue(_ context.Context, handle storage.QueueHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	dir := s.queueDir(handle.Name)
	if _, err := os.Stat(filepath.Join(dir, queueFile)); err != nil {
		return mapErr("flush queue "+handle.Name, err)
	}
	var paths []string
	for path := range s.pending {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) {
			paths = append(paths, path)
			delete(s.pending, path)
		}
	}
	paths = append(paths, filepath.Join(dir, msgDir), dir)
	return s.syncPaths(paths)
}

// Enqueue writes msg as one file.
func (s *Store) Enqueue(_ context.Context, queue string, msg storage.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(s.queueDir(queue), queueFile)); err != nil {
		return mapErr("enqueue on "+queue, err)
	}
	path := s.msgPath(queue, msg.Seq)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("disk: queue %q message %d: %w", queue, msg.Seq, storage.ErrExists)
	}
	if err := s.writeFileLocked(path, storage.MarshalMessageRecord(msg)); err != nil {
		return err
	}
	s.pending[filepath.Dir(path)] = struct{}{}
	return nil
}

// Dequeue removes the message file.
func (s *Store) Dequeue(_ context.Context, queue string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	path := s.msgPath(queue, seq)
	if err := os.Remove(path); err != nil {
		return mapErr(fmt.Sprintf("dequeue %s#%d", queue, seq), err)
	}
	delete(s.pending, path)
	s.pending[filepath.Dir(path)] = struct{}{}
	return nil
}

// Commit makes every write since the previous Commit durable when Fsync is
// enabled.
func (s *Store) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(s.pending) == 0 {
		return nil
	}
	paths := make([]string, 0, len(s.pending))
	for path := range s.pending {
		paths = append(paths, path)
	}
	clear(s.pending)
	return s.syncPaths(paths)
}

func (s *Store) syncPaths(paths []string) error {
	if !s.fsync {
		return nil
	}
	// Files before the directories that name them.
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return storage.NewFatalError(fmt.Errorf("disk: sync %q: %w", path, err))
		}
		err = syncFile(f)
		f.Close()
		if err != nil {
			return storage.NewFatalError(fmt.Errorf("disk: sync %q: %w", path, err))
		}
	}
	return nil
}

func (s *Store) writeFileLocked(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return storage.NewFatalError(fmt.Errorf("disk: write %q: %w", path, err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewFatalError(fmt.Errorf("disk: write %q: %w", path, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewFatalError(fmt.Errorf("disk: write %q: %w", path, err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return storage.NewFatalError(fmt.Errorf("disk: rename %q: %w", path, err))
	}
	s.pending[path] = struct{}{}
	return nil
}

// ListQueues reads every queue record.
func (s *Store) ListQueues(context.Context) ([]storage.QueueRecord, error) {
	entries, err := os.ReadDir(s.queuesDir)
	if err != nil {
		return nil, fmt.Errorf("disk: list queues: %w", err)
	}
	var out []storage.QueueRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.queuesDir, entry.Name(), queueFile))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("disk.queue.incomplete", "dir", entry.Name())
				continue
			}
			return nil, fmt.Errorf("disk: read queue %q: %w", entry.Name(), err)
		}
		rec, err := storage.UnmarshalQueueRecord(data)
		if err != nil {
			return nil, fmt.Errorf("disk: decode queue %q: %w", entry.Name(), err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListMessages reads the messages of queue in sequence order.
func (s *Store) ListMessages(_ context.Context, queue string) ([]storage.MessageRecord, error) {
	dir := filepath.Join(s.queueDir(queue), msgDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapErr("list messages of "+queue, err)
	}
	var out []storage.MessageRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, msgSuffix) {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSuffix(name, msgSuffix), 10, 64); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("disk: read message %q: %w", name, err)
		}
		rec, err := storage.UnmarshalMessageRecord(data)
		if err != nil {
			return nil, fmt.Errorf("disk: decode message %q: %w", name, err)
		}
		out = append(out, rec)
	}
	// SeqKey is fixed width, so ReadDir order is sequence order.
	return out, nil
}

func mapErr(what string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: %s: %w", what, storage.ErrNotFound)
	}
	return storage.NewFatalError(fmt.Errorf("disk: %s: %w", what, err))
}
