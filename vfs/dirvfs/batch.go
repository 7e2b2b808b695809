package dirvfs

import (
	"bytes"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/wippyai/wasm-vfs/errors"
)

// batch buffers the writes of one atomic write group in order.
type batch struct {
	ops  []batchOp
	size int64
}

type batchOp struct {
	data     []byte
	off      int64
	truncate bool
}

func (b *batch) write(p []byte, off int64) {
	b.ops = append(b.ops, batchOp{data: bytes.Clone(p), off: off})
	b.size = max(b.size, off+int64(len(p)))
}

func (b *batch) truncate(size int64) {
	b.ops = append(b.ops, batchOp{off: size, truncate: true})
	b.size = size
}

// commit writes the current contents plus the batch to a temporary file
// next to the target, syncs it and renames it into place. Every handle on
// the node switches to the new descriptor.
func (v *VFS) commit(n *node, b *batch) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tmp := n.rel + "." + uuid.NewString() + ".batch"
	out, err := v.root.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "create batch file")
	}
	defer func() {
		if err != nil {
			out.Close()
			v.root.Remove(tmp)
		}
	}()

	info, err := n.f.Stat()
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, io.NewSectionReader(n.f, 0, info.Size())); err != nil {
		return err
	}
	for _, op := range b.ops {
		if op.truncate {
			err = out.Truncate(op.off)
		} else {
			_, err = out.WriteAt(op.data, op.off)
		}
		if err != nil {
			return err
		}
	}
	if err = datasync(out, false); err != nil {
		return err
	}
	if err = v.root.Rename(tmp, n.rel); err != nil {
		return errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "rename batch file")
	}

	old := n.f
	n.f = out
	old.Close()
	logCommit(n, b, tmp)
	return nil
}
