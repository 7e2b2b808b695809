package vfs

// errorLogSize is the number of errors kept per VFS and per file.
const errorLogSize = 32

// errorLog keeps the most recent errors, oldest first.
type errorLog struct {
	entries []error
}

func (l *errorLog) add(err error) {
	if len(l.entries) == errorLogSize {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:errorLogSize-1]
	}
	l.entries = append(l.entries, err)
}

func (l *errorLog) last() error {
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

func (l *errorLog) list() []error {
	return append([]error(nil), l.entries...)
}
