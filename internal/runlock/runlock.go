package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another run already holds the project lock.
var ErrHeld = errors.New("run lock held")

// Locker hands out one lock per project, exclusive across goroutines and
// across processes sharing the same workspace.
type Locker struct {
	Dir string

	mu   sync.Mutex
	held map[string]*flock.Flock
}

func New(dir string) *Locker {
	return &Locker{Dir: dir, held: make(map[string]*flock.Flock)}
}

// Path returns the lock file path for a project.
func (l *Locker) Path(projectID string) string {
	return filepath.Join(l.Dir, fileName(projectID)+".lock")
}

// TryAcquire takes the project lock without waiting. The returned func
// releases it.
func (l *Locker) TryAcquire(projectID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[projectID]; ok {
		return nil, ErrHeld
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(l.Path(projectID))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	l.held[projectID] = fl
	var once sync.Once
	return func() { once.Do(func() { l.release(projectID) }) }, nil
}

func (l *Locker) release(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl, ok := l.held[projectID]
	if !ok {
		return
	}
	delete(l.held, projectID)
	_ = fl.Unlock()
}

// Held reports whether this process holds the project lock.
func (l *Locker) Held(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[projectID]
	return ok
}

func fileName(projectID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, projectID)
}
