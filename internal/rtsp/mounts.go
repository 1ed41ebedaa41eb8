package rtsp

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/brentr/gst-rtsp-launch/internal/framework"
)

// MountPoints maps URL paths to media factories. Handles are counted: every
// MountPoints() call on the server must be paired with Release.
type MountPoints struct {
	mu        sync.RWMutex
	factories map[string]*MediaFactory
	refs      atomic.Int32
	logger    *slog.Logger
}

// NewMountPoints creates an empty registry
func NewMountPoints(logger *slog.Logger) *MountPoints {
	if logger == nil {
		logger = slog.Default()
	}
	return &MountPoints{
		factories: make(map[string]*MediaFactory),
		logger:    logger.With("component", "mount-points"),
	}
}

func (m *MountPoints) acquire() *MountPoints {
	m.refs.Add(1)
	return m
}

// Release gives back a handle obtained from the server
func (m *MountPoints) Release() {
	if m.refs.Add(-1) < 0 {
		m.refs.Add(1)
		m.logger.Warn("Mount points released more often than acquired")
	}
}

// Refs returns the number of outstanding handles
func (m *MountPoints) Refs() int {
	return int(m.refs.Load())
}

func normalizePath(path string) string {
	path = "/" + strings.Trim(path, "/")
	return path
}

// AddFactory mounts factory at path, replacing any factory already there.
// Only factories created by NewMediaFactory can be served.
func (m *MountPoints) AddFactory(path string, factory framework.MediaFactory) {
	f, ok := factory.(*MediaFactory)
	if !ok {
		m.logger.Error("Unsupported media factory", slog.String("path", path))
		return
	}

	path = normalizePath(path)

	m.mu.Lock()
	m.factories[path] = f
	m.mu.Unlock()

	m.logger.Debug("Factory mounted", slog.String("path", path))
}

// RemoveFactory unmounts the factory at path
func (m *MountPoints) RemoveFactory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.factories, normalizePath(path))
}

// Match finds the factory with the longest mount path that is a prefix of
// path on a segment boundary. It also returns the matched mount path.
func (m *MountPoints) Match(path string) (*MediaFactory, string, bool) {
	path = normalizePath(path)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best string
	var found *MediaFactory
	for mount, f := range m.factories {
		if !matchesMount(path, mount) {
			continue
		}
		if found == nil || len(mount) > len(best) {
			best, found = mount, f
		}
	}
	return found, best, found != nil
}

func matchesMount(path, mount string) bool {
	if mount == "/" {
		return true
	}
	return path == mount || strings.HasPrefix(path, mount+"/")
}

// Paths returns the mounted paths in order
func (m *MountPoints) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.factories))
	for path := range m.factories {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Factories returns the mounted factories by path
func (m *MountPoints) Factories() map[string]*MediaFactory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*MediaFactory, len(m.factories))
	for path, f := range m.factories {
		out[path] = f
	}
	return out
}
