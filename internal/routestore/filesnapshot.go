package routestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/l8e-harbor/harbor/internal/routespec"
	"go.uber.org/zap"
)

// FileSnapshotDriver persists the full snapshot as YAML at a configured
// path on every commit and reloads it on disk changes, mirroring the
// debounced fsnotify watch the teacher's config package uses for process
// configuration — applied here to route data instead.
type FileSnapshotDriver struct {
	*base
	path            string
	log             *zap.SugaredLogger
	knownMiddleware func(name string) bool

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewFileSnapshotDriver loads the newest valid file at path, if any, starts
// watching it for external changes, and returns the driver.
func NewFileSnapshotDriver(path string, knownMiddleware func(name string) bool, log *zap.SugaredLogger) (*FileSnapshotDriver, error) {
	d := &FileSnapshotDriver{
		base:            newBase(),
		path:            path,
		log:             log,
		knownMiddleware: knownMiddleware,
		done:            make(chan struct{}),
	}

	if routes, err := d.load(); err == nil {
		if built, berr := Build(routes, knownMiddleware); berr == nil {
			d.publish(built, 1)
		} else if log != nil {
			log.Warnw("existing route snapshot file failed validation, starting empty", "path", path, "err", berr)
		}
	} else if !os.IsNotExist(err) && log != nil {
		log.Warnw("failed to read route snapshot file, starting empty", "path", path, "err", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	// Touch the file so fsnotify has something to watch even before the
	// first Apply.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create snapshot file: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		return nil, fmt.Errorf("watch snapshot file: %w", err)
	}
	d.fsw = fsw

	go d.watchLoop()

	return d, nil
}

// Close stops the background watcher goroutine.
func (d *FileSnapshotDriver) Close() error {
	close(d.done)
	return d.fsw.Close()
}

// Apply validates, persists, and publishes a new snapshot. Applying the
// same route set twice in a row is a no-op.
func (d *FileSnapshotDriver) Apply(routes []routespec.Route) (Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	built, err := Build(routes, d.knownMiddleware)
	if err != nil {
		return 0, err
	}

	cur := d.List()
	if sameRoutes(cur.Routes, built) {
		return cur.Version, nil
	}

	if err := d.persist(built); err != nil {
		return 0, fmt.Errorf("persist route snapshot: %w", err)
	}

	v := d.nextVersion()
	snap := d.publish(built, v)
	return snap.Version, nil
}

func (d *FileSnapshotDriver) load() ([]routespec.Route, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return routespec.UnmarshalAllYAML(data)
}

func (d *FileSnapshotDriver) persist(routes []routespec.Route) error {
	data, err := routespec.MarshalAllYAML(routes)
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

func (d *FileSnapshotDriver) watchLoop() {
	var debounce <-chan time.Time
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce = time.After(200 * time.Millisecond)
			}
		case err, ok := <-d.fsw.Errors:
			if !ok {
				return
			}
			if d.log != nil {
				d.log.Warnw("fsnotify error watching route snapshot", "err", err)
			}
		case <-debounce:
			debounce = nil
			d.reloadFromDisk()
		}
	}
}

func (d *FileSnapshotDriver) reloadFromDisk() {
	d.mu.Lock()
	defer d.mu.Unlock()

	routes, err := d.load()
	if err != nil {
		if d.log != nil {
			d.log.Warnw("route snapshot reload failed, keeping current snapshot", "err", err)
		}
		return
	}
	built, err := Build(routes, d.knownMiddleware)
	if err != nil {
		if d.log != nil {
			d.log.Warnw("route snapshot on disk failed validation, keeping current snapshot", "err", err)
		}
		return
	}
	cur := d.List()
	if sameRoutes(cur.Routes, built) {
		return
	}
	v := d.nextVersion()
	d.publish(built, v)
}
