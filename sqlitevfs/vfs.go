// Package sqlitevfs registers an encrypting VFS with the pure-Go
// modernc.org/sqlite engine: every file the engine opens through it is
// backed by a blockio.Stream instead of a raw host file, so the tree
// database (and any other SQL file) lives on disk entirely in encrypted,
// per-block-authenticated form.
//
// The registration mechanics mirror how a C-ABI VFS must be wired from
// Go: allocate the sqlite3_vfs/sqlite3_io_methods structs exactly once,
// keep their backing Go state reachable through a token table (the
// engine only ever hands back the uintptr it was given, never a Go
// pointer it could keep live across a GC moving things), and route every
// callback through a panic-recovery boundary that collapses any failure
// to a generic I/O error code.
package sqlitevfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	securefs "github.com/absfs/securefs"
	"github.com/absfs/securefs/blockio"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

var vfsLog = logrus.WithField("component", "sqlitevfs")

// Params configures one VFS registration.
type Params struct {
	// Key is the 32-byte AES-256-GCM key used for every file opened
	// through this VFS.
	Key []byte
	// PhysicalBlockSize is the on-disk block size each file is encrypted
	// in.
	PhysicalBlockSize int64
	// ReadOnly marks every file opened through this VFS as immutable
	// (reported via DeviceCharacteristics) and rejects writes.
	ReadOnly bool
}

type registeredVFS struct {
	name    string
	cname   uintptr
	vfsPtr  uintptr
	state   *vfsState
	tls     *libc.TLS
	handle  uintptr
}

type vfsState struct {
	baseVFS uintptr
	params  Params
}

type fileRecord struct {
	base      sqlite3.Tsqlite3_file
	stateTok  uintptr
}

type fileState struct {
	mu       sync.Mutex
	baseFile uintptr
	params   Params
	stream   *blockio.Stream
	host     *hostRandomIO
}

var (
	objMu    sync.Mutex
	objects  = map[uintptr]interface{}{}
	objToken uintptr
)

func addObject(o interface{}) uintptr {
	tok := atomic.AddUintptr(&objToken, 1)
	objMu.Lock()
	objects[tok] = o
	objMu.Unlock()
	return tok
}

func getObject(tok uintptr) interface{} {
	objMu.Lock()
	o := objects[tok]
	objMu.Unlock()
	if o == nil {
		panic("sqlitevfs: internal error: unknown object token")
	}
	return o
}

func removeObject(tok uintptr) {
	objMu.Lock()
	delete(objects, tok)
	objMu.Unlock()
}

// Register allocates and installs a new sqlite3_vfs backed by the host's
// default VFS, with every file opened through it wrapped in a
// blockio.Stream under params.Key. The returned name is unique to this
// registration (suffixed with 16 hex digits of a random UUID) so repeated registrations,
// including across tests in the same process, never collide. Calling the
// returned unregister function releases the VFS and its backing state;
// it must not be called while any file opened through the VFS is still
// open.
func Register(params Params) (name string, unregister func(), err error) {
	if len(params.Key) != 32 {
		return "", nil, securefs.NewInvalidParameterError("Key", len(params.Key), "block cipher key must be 32 bytes")
	}
	if params.PhysicalBlockSize <= blockio.Overhead {
		return "", nil, securefs.NewInvalidParameterError("PhysicalBlockSize", params.PhysicalBlockSize, "must exceed the 28-byte IV+MAC overhead")
	}

	tls := libc.NewTLS()
	base := sqlite3.Xsqlite3_vfs_find(tls, 0)
	if base == 0 {
		tls.Close()
		return "", nil, errors.New("sqlitevfs: sqlite3_vfs_find returned nil")
	}

	id := uuid.New()
	name = fmt.Sprintf("securefs-%s", hex.EncodeToString(id[:8]))
	cname, err := libc.CString(name)
	if err != nil {
		tls.Close()
		return "", nil, err
	}

	state := &vfsState{baseVFS: base, params: params}
	stateTok := addObject(state)

	vfsPtr := libc.Xmalloc(tls, libc.Tsize_t(unsafe.Sizeof(sqlite3.Tsqlite3_vfs{})))
	if vfsPtr == 0 {
		removeObject(stateTok)
		libc.Xfree(tls, cname)
		tls.Close()
		return "", nil, errors.New("sqlitevfs: out of memory allocating sqlite3_vfs")
	}

	baseVfs := (*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(base))
	fileSize := int32(unsafe.Sizeof(fileRecord{})) + baseVfs.FszOsFile

	*(*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(vfsPtr)) = sqlite3.Tsqlite3_vfs{
		FiVersion:   baseVfs.FiVersion,
		FszOsFile:   fileSize,
		FmxPathname: baseVfs.FmxPathname,
		FzName:      cname,
		FpAppData:   stateTok,
		FxOpen: *(*uintptr)(unsafe.Pointer(&struct {
			f func(*libc.TLS, uintptr, uintptr, uintptr, int32, uintptr) int32
		}{vfsOpen})),
		FxDelete:           baseVfs.FxDelete,
		FxAccess:           baseVfs.FxAccess,
		FxFullPathname:     baseVfs.FxFullPathname,
		FxDlOpen:           baseVfs.FxDlOpen,
		FxDlError:          baseVfs.FxDlError,
		FxDlSym:            baseVfs.FxDlSym,
		FxDlClose:          baseVfs.FxDlClose,
		FxRandomness: *(*uintptr)(unsafe.Pointer(&struct {
			f func(*libc.TLS, uintptr, int32, uintptr) int32
		}{vfsRandomness})),
		FxSleep:            baseVfs.FxSleep,
		FxCurrentTime:      baseVfs.FxCurrentTime,
		FxGetLastError:     baseVfs.FxGetLastError,
		FxCurrentTimeInt64: baseVfs.FxCurrentTimeInt64,
		FxSetSystemCall:    baseVfs.FxSetSystemCall,
		FxGetSystemCall:    baseVfs.FxGetSystemCall,
		FxNextSystemCall:   baseVfs.FxNextSystemCall,
	}

	if rc := sqlite3.Xsqlite3_vfs_register(tls, vfsPtr, 0); rc != sqlite3.SQLITE_OK {
		removeObject(stateTok)
		libc.Xfree(tls, cname)
		libc.Xfree(tls, vfsPtr)
		tls.Close()
		return "", nil, fmt.Errorf("sqlitevfs: sqlite3_vfs_register failed: %d", rc)
	}

	reg := &registeredVFS{name: name, cname: cname, vfsPtr: vfsPtr, state: state, tls: tls, handle: stateTok}
	vfsLog.WithField("name", name).Debug("registered encrypting VFS")

	unregister = func() {
		sqlite3.Xsqlite3_vfs_unregister(reg.tls, reg.vfsPtr)
		removeObject(reg.handle)
		libc.Xfree(reg.tls, reg.cname)
		libc.Xfree(reg.tls, reg.vfsPtr)
		reg.tls.Close()
		vfsLog.WithField("name", reg.name).Debug("unregistered encrypting VFS")
	}
	return name, unregister, nil
}

func recoverToIOErr(rc *int32) {
	if r := recover(); r != nil {
		vfsLog.WithField("panic", r).Warn("recovered panic crossing SQL engine ABI boundary")
		*rc = sqlite3.SQLITE_IOERR
	}
}

func vfsRandomness(tls *libc.TLS, pVfs uintptr, nByte int32, zOut uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	buf := (*libc.RawMem)(unsafe.Pointer(zOut))[:nByte]
	if err := cryptoRandRead(buf); err != nil {
		return 0
	}
	return nByte
}
