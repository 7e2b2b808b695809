//go:build !linux

package dirvfs

import "os"

func datasync(f *os.File, _ bool) error {
	return f.Sync()
}
