package dirvfs

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

const rwc = vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate

func newVFS(t *testing.T) *VFS {
	t.Helper()
	v, err := New("", t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func open(t *testing.T, v *VFS, name string, flags vfs.OpenFlag) *File {
	t.Helper()
	f, _, err := v.Open(context.Background(), vfs.NewFilename(name), flags)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	return f.(*File)
}

func contents(t *testing.T, f *File) []byte {
	t.Helper()
	ctx := context.Background()
	size, err := f.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	p := make([]byte, size)
	if _, err := f.ReadAt(ctx, p, 0); err != nil && !stderrors.Is(err, io.EOF) {
		t.Fatalf("ReadAt: %v", err)
	}
	return p
}

func TestOpenCreatesParents(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	f := open(t, v, "/a/b/c.db", rwc)

	if err := f.WriteAt(ctx, []byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Sync(ctx, vfs.SyncNormal|vfs.SyncDataOnly); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(v.Dir(), "a", "b", "c.db"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("file = %q", got)
	}
}

func TestNamesStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	tests := []struct {
		name string
		want string
	}{
		{"db", "db"},
		{"/x/../db", "db"},
		{"../../escape.db", "escape.db"},
		{"//a//b.db", "a/b.db"},
	}
	for _, tt := range tests {
		got, err := v.FullPathname(ctx, tt.name)
		if err != nil || got != tt.want {
			t.Errorf("FullPathname(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
	if _, err := v.FullPathname(ctx, "/"); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("FullPathname(/) = %v, want invalid input", err)
	}

	open(t, v, "../../escape.db", rwc).Close(ctx)
	if _, err := os.Stat(filepath.Join(v.Dir(), "escape.db")); err != nil {
		t.Errorf("escaped name not created inside root: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	if _, _, err := v.Open(ctx, vfs.NewFilename("missing.db"), vfs.OpenMainDB|vfs.OpenReadWrite); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("open missing = %v, want not found", err)
	}
	f := open(t, v, "x.db", rwc)
	defer f.Close(ctx)
	if _, _, err := v.Open(ctx, vfs.NewFilename("x.db"), rwc|vfs.OpenExclusive); err == nil {
		t.Errorf("exclusive create of open file succeeded")
	}
}

func TestHandlesShareDescriptor(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	a := open(t, v, "s.db", rwc)
	b := open(t, v, "s.db", vfs.OpenMainDB|vfs.OpenReadWrite)
	if a.n != b.n {
		t.Fatalf("handles on one path do not share a node")
	}
	a.WriteAt(ctx, []byte("abc"), 0)
	if diff := cmp.Diff([]byte("abc"), contents(t, b)); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
	a.Close(ctx)
	if diff := cmp.Diff([]byte("abc"), contents(t, b)); diff != "" {
		t.Errorf("contents after first close mismatch (-want +got):\n%s", diff)
	}
	b.Close(ctx)
	if len(v.nodes) != 0 {
		t.Errorf("nodes left after closing every handle: %d", len(v.nodes))
	}
}

func TestAtomicBatchCommit(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	a := open(t, v, "batch.db", rwc)
	b := open(t, v, "batch.db", rwc)
	defer a.Close(ctx)
	defer b.Close(ctx)
	a.WriteAt(ctx, []byte("0123456789"), 0)

	if rc, err := a.FileControl(ctx, vfs.FcntlBeginAtomicWrite, 0); rc != vfs.ResultOK || err != nil {
		t.Fatalf("begin = %d, %v", rc, err)
	}
	a.WriteAt(ctx, []byte("AB"), 2)
	a.Truncate(ctx, 6)
	a.WriteAt(ctx, []byte("xyz"), 8)
	if size, _ := a.Size(ctx); size != 11 {
		t.Errorf("batch size = %d, want 11", size)
	}
	if _, err := a.ReadAt(ctx, make([]byte, 1), 0); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("read during batch = %v", err)
	}
	if diff := cmp.Diff([]byte("0123456789"), contents(t, b)); diff != "" {
		t.Errorf("batch visible before commit (-want +got):\n%s", diff)
	}

	if rc, err := a.FileControl(ctx, vfs.FcntlCommitAtomicWrite, 0); rc != vfs.ResultOK || err != nil {
		t.Fatalf("commit = %d, %v", rc, err)
	}
	want := []byte("01AB45\x00\x00xyz")
	if diff := cmp.Diff(want, contents(t, b)); diff != "" {
		t.Errorf("committed contents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, contents(t, a)); diff != "" {
		t.Errorf("writer contents mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(v.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".batch") {
			t.Errorf("batch file left behind: %s", e.Name())
		}
	}
}

func TestAtomicBatchRollback(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	f := open(t, v, "rb.db", rwc)
	defer f.Close(ctx)
	f.WriteAt(ctx, []byte("keep"), 0)

	f.FileControl(ctx, vfs.FcntlBeginAtomicWrite, 0)
	f.WriteAt(ctx, []byte("lost"), 0)
	if rc, _ := f.FileControl(ctx, vfs.FcntlRollbackAtomicWrite, 0); rc != vfs.ResultOK {
		t.Fatalf("rollback = %d", rc)
	}
	if diff := cmp.Diff([]byte("keep"), contents(t, f)); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
	if rc, _ := f.FileControl(ctx, vfs.FcntlSizeHint, 0); rc != vfs.ResultNotFound {
		t.Errorf("size hint = %d, want not found", rc)
	}
	if caps := f.DeviceCharacteristics(); caps&vfs.IOCapBatchAtomic == 0 {
		t.Errorf("caps = %#x, want batch atomic", caps)
	}
}

func TestDeleteAccessAndDeleteOnClose(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	open(t, v, "d.db", rwc).Close(ctx)

	if ok, _ := v.Access(ctx, "d.db", vfs.AccessExists); !ok {
		t.Errorf("Access(exists) = false")
	}
	if ok, _ := v.Access(ctx, "d.db", vfs.AccessReadWrite); !ok {
		t.Errorf("Access(readwrite) = false")
	}
	if err := v.Delete(ctx, "d.db", true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := v.Access(ctx, "d.db", vfs.AccessExists); ok {
		t.Errorf("deleted file still exists")
	}
	if err := v.Delete(ctx, "d.db", false); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}

	tmp := vfs.TempFilename()
	f, _, err := v.Open(ctx, tmp, rwc|vfs.OpenDeleteOnClose)
	if err != nil {
		t.Fatalf("Open temp: %v", err)
	}
	f.Close(ctx)
	if ok, _ := v.Access(ctx, tmp.String(), vfs.AccessExists); ok {
		t.Errorf("delete-on-close file survived")
	}
}
