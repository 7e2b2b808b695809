package vfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/wippyai/wasm-vfs/errors"
)

// LockLevel is a file lock level. Levels only rise through Lock and only
// fall through Unlock.
type LockLevel int32

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockPending:
		return "pending"
	case LockExclusive:
		return "exclusive"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// LockManager implements lock graduation for every handle open on the same
// logical file name. Locks never block: a level that cannot be granted is
// reported as busy.
//
// A file has any number of readers (handles at Shared or above) and at most
// one writer (the handle at Reserved or above). New readers are refused once
// the writer reaches Pending, and the writer reaches Exclusive only when it
// is the last reader.
type LockManager struct {
	mu    sync.Mutex
	files map[string]*lockState
}

type lockState struct {
	readers int
	writer  *FileLock
	refs    int
}

// LockStatus describes the locks held on one file.
type LockStatus struct {
	Handles int
	Readers int
	Writer  LockLevel
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{files: make(map[string]*lockState)}
}

// Open returns an unlocked handle on name. Release it when the file closes.
func (m *LockManager) Open(name string) *FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.files[name]
	if st == nil {
		st = &lockState{}
		m.files[name] = st
	}
	st.refs++
	return &FileLock{m: m, name: name, st: st}
}

// Status reports the locks held on name.
func (m *LockManager) Status(name string) LockStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.files[name]
	if st == nil {
		return LockStatus{}
	}
	s := LockStatus{Handles: st.refs, Readers: st.readers}
	if st.writer != nil {
		s.Writer = st.writer.level
	}
	return s
}

// FileLock is one handle's view of a file lock. Its methods match File, so
// a backend file can embed it.
type FileLock struct {
	m     *LockManager
	st    *lockState
	name  string
	level LockLevel
}

// Level returns the level held.
func (l *FileLock) Level() LockLevel {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.level
}

// Lock raises the lock to level, or reports false when another handle
// prevents it. Graduation starts at Shared: an unlocked handle asking for a
// writer level is refused. A failed escalation to Exclusive keeps Pending,
// so that no new readers arrive while the engine retries.
func (l *FileLock) Lock(_ context.Context, level LockLevel) (bool, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.st == nil {
		return false, l.released()
	}
	if level < LockNone || level > LockExclusive {
		return false, errors.InvalidInput(errors.PhaseVFS, "invalid lock level "+level.String())
	}
	if level <= l.level {
		return true, nil
	}

	st := l.st
	if l.level == LockNone {
		if level > LockShared {
			return false, nil
		}
		if st.writer != nil && st.writer.level >= LockPending {
			return false, nil
		}
		st.readers++
		l.level = LockShared
	}
	if level == LockShared {
		return true, nil
	}

	if st.writer != nil && st.writer != l {
		return false, nil
	}
	st.writer = l
	if level == LockReserved {
		l.level = LockReserved
		return true, nil
	}

	l.level = LockPending
	if level == LockPending {
		return true, nil
	}
	if st.readers > 1 {
		return false, nil
	}
	l.level = LockExclusive
	return true, nil
}

// Unlock lowers the lock to level. Leaving the writer levels always passes
// through Shared before the read lock is dropped.
func (l *FileLock) Unlock(_ context.Context, level LockLevel) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.st == nil {
		return l.released()
	}
	l.lower(level)
	return nil
}

func (l *FileLock) lower(level LockLevel) {
	if level < LockNone {
		level = LockNone
	}
	if level >= l.level {
		return
	}
	st := l.st
	if l.level >= LockReserved && level < LockReserved {
		if st.writer == l {
			st.writer = nil
		}
		l.level = LockShared
	}
	if level == LockNone && l.level >= LockShared {
		st.readers--
	}
	l.level = level
}

// CheckReservedLock reports whether any handle holds Reserved or above.
func (l *FileLock) CheckReservedLock(context.Context) (bool, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.st == nil {
		return false, l.released()
	}
	return l.st.writer != nil, nil
}

// Release drops every lock and detaches the handle. It is safe to call more
// than once.
func (l *FileLock) Release() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.st == nil {
		return
	}
	l.lower(LockNone)
	l.st.refs--
	if l.st.refs == 0 {
		delete(l.m.files, l.name)
	}
	l.st = nil
}

func (l *FileLock) released() error {
	return errors.New(errors.PhaseVFS, errors.KindClosed).
		Path(l.name).
		Detail("lock used after release").
		Build()
}
