package vfs

import (
	"context"
)

// Engine result codes returned by the VFS imports.
const (
	ResultOK       int32 = 0
	ResultError    int32 = 1
	ResultBusy     int32 = 5
	ResultNoMem    int32 = 7
	ResultIOErr    int32 = 10
	ResultNotFound int32 = 12
	ResultCantOpen int32 = 14

	ResultIOErrRead              = ResultIOErr | 1<<8
	ResultIOErrShortRead         = ResultIOErr | 2<<8
	ResultIOErrWrite             = ResultIOErr | 3<<8
	ResultIOErrFsync             = ResultIOErr | 4<<8
	ResultIOErrTruncate          = ResultIOErr | 6<<8
	ResultIOErrFstat             = ResultIOErr | 7<<8
	ResultIOErrUnlock            = ResultIOErr | 8<<8
	ResultIOErrDelete            = ResultIOErr | 10<<8
	ResultIOErrNoMem             = ResultIOErr | 12<<8
	ResultIOErrAccess            = ResultIOErr | 13<<8
	ResultIOErrCheckReservedLock = ResultIOErr | 14<<8
	ResultIOErrLock              = ResultIOErr | 15<<8
	ResultIOErrClose             = ResultIOErr | 16<<8
	ResultIOErrDeleteNoEnt       = ResultIOErr | 23<<8
	ResultCantOpenFullPath       = ResultCantOpen | 3<<8
)

// OpenFlag is the flags argument of xOpen.
type OpenFlag uint32

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenURI           OpenFlag = 0x00000040
	OpenMemory        OpenFlag = 0x00000080
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubJournal    OpenFlag = 0x00002000
	OpenSuperJournal  OpenFlag = 0x00004000
	OpenWAL           OpenFlag = 0x00080000
)

// AccessFlag is the flags argument of xAccess.
type AccessFlag int32

const (
	AccessExists    AccessFlag = 0
	AccessReadWrite AccessFlag = 1
	AccessRead      AccessFlag = 2
)

// SyncFlag is the flags argument of xSync.
type SyncFlag int32

const (
	SyncNormal   SyncFlag = 0x00002
	SyncFull     SyncFlag = 0x00003
	SyncDataOnly SyncFlag = 0x00010
)

// IOCap is a device characteristics bitmask.
type IOCap int32

const (
	IOCapAtomic              IOCap = 0x00000001
	IOCapSafeAppend          IOCap = 0x00000200
	IOCapSequential          IOCap = 0x00000400
	IOCapUndeletableWhenOpen IOCap = 0x00000800
	IOCapPowersafeOverwrite  IOCap = 0x00001000
	IOCapImmutable           IOCap = 0x00002000
	IOCapBatchAtomic         IOCap = 0x00004000
)

// File control opcodes handled by the bundled backends.
const (
	FcntlSizeHint            int32 = 5
	FcntlBeginAtomicWrite    int32 = 31
	FcntlCommitAtomicWrite   int32 = 32
	FcntlRollbackAtomicWrite int32 = 33
)

// VFS is a storage backend. Methods may block; wrap a backend with Deferred
// to run them off the engine goroutine while the engine is suspended.
type VFS interface {
	Name() string
	MaxPathname() int

	// Open opens name. The returned flags are reported back to the engine,
	// typically flags itself or flags narrowed to OpenReadOnly.
	Open(ctx context.Context, name *Filename, flags OpenFlag) (File, OpenFlag, error)
	Delete(ctx context.Context, name string, syncDir bool) error
	Access(ctx context.Context, name string, flags AccessFlag) (bool, error)
	FullPathname(ctx context.Context, name string) (string, error)
}

// File is an open backend file.
type File interface {
	Close(ctx context.Context) error

	// ReadAt reads len(p) bytes at off. Fewer bytes with a nil or io.EOF
	// error is a short read; the rest of p is zeroed by the caller.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) error
	Truncate(ctx context.Context, size int64) error
	Sync(ctx context.Context, flags SyncFlag) error
	Size(ctx context.Context) (int64, error)

	// Lock raises the lock to level. A lock that cannot be granted now is
	// (false, nil), which the engine treats as busy.
	Lock(ctx context.Context, level LockLevel) (bool, error)
	// Unlock lowers the lock to level.
	Unlock(ctx context.Context, level LockLevel) error
	CheckReservedLock(ctx context.Context) (bool, error)

	// FileControl handles a file control opcode. Unknown opcodes return
	// ResultNotFound.
	FileControl(ctx context.Context, op int32, arg uint32) (int32, error)
	SectorSize() int32
	DeviceCharacteristics() IOCap
}

// Options configures a registration.
type Options struct {
	// Default makes the backend the engine's default VFS.
	Default bool
	// FlagsFilter refuses opens whose flags intersect it.
	FlagsFilter OpenFlag
}
