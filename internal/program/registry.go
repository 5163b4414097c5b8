package program

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pilot/internal/logger"
)

// Snapshot is an immutable view of the loaded program set.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Programs map[string]*Program
}

// ChangeListener fires after the registry reloads.
type ChangeListener func(Snapshot)

// Registry loads program documents from a directory of *.json or *.yaml
// files and hot reloads them when the directory changes. A file that fails
// validation is skipped with an error log; it never tears down the running
// set.
type Registry struct {
	dir     string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
	closed    chan struct{}
}

// NewRegistry loads the directory once and starts watching it.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("program registry requires a directory")
	}
	r := &Registry{dir: dir, closed: make(chan struct{})}
	if err := r.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch program dir failed: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch program dir failed: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.closed:
			return
		case evt, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !programFile(evt.Name) {
				continue
			}
			if err := r.reload(); err != nil {
				logger.Errorf("program registry reload failed: %v", err)
				continue
			}
			r.notifyListeners()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("program registry watch error: %v", err)
		}
	}
}

// Close stops the watcher. Safe to call once.
func (r *Registry) Close() error {
	close(r.closed)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// OnChange registers a reload listener.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot returns the current program set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Program returns one program by id.
func (r *Registry) Program(id string) (*Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Programs[strings.TrimSpace(id)]
	return p, ok
}

// IDs returns the loaded program ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.snapshot.Programs))
	for id := range r.snapshot.Programs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read program dir failed: %w", err)
	}
	programs := make(map[string]*Program)
	for _, entry := range entries {
		if entry.IsDir() || !programFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Errorf("program file %s unreadable: %v", entry.Name(), err)
			continue
		}
		p, err := parseProgramFile(entry.Name(), raw)
		if err != nil {
			logger.Errorf("program file %s rejected: %v", entry.Name(), err)
			continue
		}
		if prev, dup := programs[p.ID]; dup {
			logger.Warnf("program id %s defined twice, keeping version %d", p.ID, prev.Version)
			continue
		}
		programs[p.ID] = p
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Programs: programs,
	}
	r.mu.Unlock()
	logger.Infof("Program registry loaded %d programs from %s", len(programs), filepath.Base(r.dir))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("program registry listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func programFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func parseProgramFile(name string, raw []byte) (*Program, error) {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		return ParseProgram(raw)
	}
	return ParseProgramYAML(raw)
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Programs: make(map[string]*Program, len(src.Programs)),
	}
	for id, p := range src.Programs {
		dst.Programs[id] = p
	}
	return dst
}
