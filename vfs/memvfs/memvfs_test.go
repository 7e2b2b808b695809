package memvfs

import (
	"context"
	stderrors "errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

const rwc = vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate

func open(t *testing.T, v *VFS, name string, flags vfs.OpenFlag) vfs.File {
	t.Helper()
	f, _, err := v.Open(context.Background(), vfs.NewFilename(name), flags)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	return f
}

func TestNamedFilesAreShared(t *testing.T) {
	ctx := context.Background()
	v := New("")
	a := open(t, v, "shared.db", rwc)
	b := open(t, v, "shared.db", vfs.OpenMainDB|vfs.OpenReadWrite)

	if err := a.WriteAt(ctx, []byte("abc"), 2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	p := make([]byte, 5)
	n, err := b.ReadAt(ctx, p, 0)
	if n != 5 || err != nil {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if diff := cmp.Diff([]byte{0, 0, 'a', 'b', 'c'}, p); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
	if got, _ := v.Contents("shared.db"); len(got) != 5 {
		t.Errorf("Contents = %q", got)
	}
}

func TestPrivateFiles(t *testing.T) {
	ctx := context.Background()
	v := New("")
	for _, name := range []*vfs.Filename{vfs.NewFilename(":memory:"), vfs.NewFilename(""), vfs.TempFilename()} {
		a, _, err := v.Open(ctx, name, rwc)
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		b, _, _ := v.Open(ctx, name, rwc)
		a.WriteAt(ctx, []byte{1}, 0)
		if size, _ := b.Size(ctx); size != 0 {
			t.Errorf("%q: second handle sees size %d", name, size)
		}
		if _, ok := v.Contents(name.String()); ok {
			t.Errorf("%q: private file is visible", name)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	v := New("")
	if _, _, err := v.Open(ctx, vfs.NewFilename("missing.db"), vfs.OpenMainDB|vfs.OpenReadWrite); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("open missing = %v, want not found", err)
	}
	open(t, v, "x.db", rwc)
	if _, _, err := v.Open(ctx, vfs.NewFilename("x.db"), rwc|vfs.OpenExclusive); err == nil {
		t.Errorf("exclusive create of existing file succeeded")
	}
}

func TestReadWriteTruncate(t *testing.T) {
	ctx := context.Background()
	f := open(t, New(""), "t.db", rwc)

	tests := []struct {
		name    string
		off     int64
		size    int
		wantN   int
		wantEOF bool
	}{
		{"full", 0, 4, 4, false},
		{"tail", 6, 8, 2, true},
		{"past end", 20, 4, 0, true},
	}
	f.WriteAt(ctx, []byte("01234567"), 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.ReadAt(ctx, make([]byte, tt.size), tt.off)
			if n != tt.wantN || stderrors.Is(err, io.EOF) != tt.wantEOF {
				t.Errorf("ReadAt = %d, %v", n, err)
			}
		})
	}

	if err := f.Truncate(ctx, 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if size, _ := f.Size(ctx); size != 3 {
		t.Errorf("size = %d, want 3", size)
	}
	if err := f.Truncate(ctx, 10); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}
	if size, _ := f.Size(ctx); size != 3 {
		t.Errorf("size after growing truncate = %d, want 3", size)
	}
	if _, err := f.ReadAt(ctx, make([]byte, 1), -1); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("negative offset = %v", err)
	}
}

func TestDeleteAndDeleteOnClose(t *testing.T) {
	ctx := context.Background()
	v := New("")

	open(t, v, "gone.db", rwc)
	if ok, _ := v.Access(ctx, "gone.db", vfs.AccessExists); !ok {
		t.Fatalf("Access = false")
	}
	if err := v.Delete(ctx, "gone.db", false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := v.Delete(ctx, "gone.db", false); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}

	f := open(t, v, "tmp.db", rwc|vfs.OpenDeleteOnClose)
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ok, _ := v.Access(ctx, "tmp.db", vfs.AccessExists); ok {
		t.Errorf("delete-on-close file survived")
	}
}

func TestLocksShareName(t *testing.T) {
	ctx := context.Background()
	v := New("")
	a := open(t, v, "l.db", rwc)
	b := open(t, v, "l.db", rwc)

	a.Lock(ctx, vfs.LockShared)
	a.Lock(ctx, vfs.LockReserved)
	if held, _ := b.CheckReservedLock(ctx); !held {
		t.Errorf("second handle does not see the reserved lock")
	}
	a.Close(ctx)
	if held, _ := b.CheckReservedLock(ctx); held {
		t.Errorf("reserved lock survived close")
	}
	if got := v.Locks().Status("l.db").Handles; got != 1 {
		t.Errorf("handles = %d, want 1", got)
	}
}
