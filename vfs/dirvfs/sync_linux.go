package dirvfs

import (
	"os"

	"golang.org/x/sys/unix"
)

func datasync(f *os.File, dataOnly bool) error {
	if dataOnly {
		return unix.Fdatasync(int(f.Fd()))
	}
	return unix.Fsync(int(f.Fd()))
}
