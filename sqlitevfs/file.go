package sqlitevfs

import (
	"crypto/rand"
	"sync"
	"unsafe"

	securefs "github.com/absfs/securefs"
	"github.com/absfs/securefs/blockio"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

func cryptoRandRead(p []byte) error {
	_, err := rand.Read(p)
	return err
}

// ioMethods is the single sqlite3_io_methods table shared by every file
// this package opens; allocated once and reused, exactly like the host
// VFS implementations it wraps.
var (
	ioMethodsOnce sync.Once
	ioMethodsPtr  uintptr
)

func ioMethods(tls *libc.TLS) uintptr {
	ioMethodsOnce.Do(func() {
		ioMethodsPtr = libc.Xmalloc(tls, libc.Tsize_t(unsafe.Sizeof(sqlite3.Tsqlite3_io_methods{})))
		*(*sqlite3.Tsqlite3_io_methods)(unsafe.Pointer(ioMethodsPtr)) = sqlite3.Tsqlite3_io_methods{
			FiVersion: 1,
			FxClose:                funcPtr4(fileClose),
			FxRead:                  funcPtrRead(fileRead),
			FxWrite:                 funcPtrWrite(fileWrite),
			FxTruncate:              funcPtrI64(fileTruncate),
			FxSync:                  funcPtrInt(fileSync),
			FxFileSize:              funcPtrOutI64(fileSize),
			FxLock:                  funcPtrInt(fileLock),
			FxUnlock:                funcPtrInt(fileUnlock),
			FxCheckReservedLock:     funcPtrOutInt(fileCheckReservedLock),
			FxFileControl:           funcPtrControl(fileControl),
			FxSectorSize:            funcPtrNoArgsInt(fileSectorSize),
			FxDeviceCharacteristics: funcPtrNoArgsInt(fileDeviceCharacteristics),
		}
	})
	return ioMethodsPtr
}

// The funcPtrXxx helpers exist purely to keep the literal struct above
// readable; each just performs the same uintptr-of-closure conversion the
// engine expects for every callback slot.
func funcPtr4(f func(*libc.TLS, uintptr) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrRead(f func(*libc.TLS, uintptr, uintptr, int32, sqlite3.Tsqlite3_int64) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrWrite(f func(*libc.TLS, uintptr, uintptr, int32, sqlite3.Tsqlite3_int64) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrI64(f func(*libc.TLS, uintptr, sqlite3.Tsqlite3_int64) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrInt(f func(*libc.TLS, uintptr, int32) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrOutI64(f func(*libc.TLS, uintptr, uintptr) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrOutInt(f func(*libc.TLS, uintptr, uintptr) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrControl(f func(*libc.TLS, uintptr, int32, uintptr) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}
func funcPtrNoArgsInt(f func(*libc.TLS, uintptr) int32) uintptr {
	return *(*uintptr)(unsafe.Pointer(&f))
}

// callBaseOpen invokes the base VFS's xOpen through its raw function
// pointer. Every forwarding call in this file follows the same pattern:
// the callee is itself a Go closure bridged across the ABI the same way
// ours are, so it can be called back through directly.
func callBaseOpen(tls *libc.TLS, base *sqlite3.Tsqlite3_vfs, baseVFS, zName, pFile uintptr, flags int32, pOutFlags uintptr) int32 {
	fn := *(*func(*libc.TLS, uintptr, uintptr, uintptr, int32, uintptr) int32)(unsafe.Pointer(&base.FxOpen))
	return fn(tls, baseVFS, zName, pFile, flags, pOutFlags)
}

func baseMethods(rec *fileRecord) *sqlite3.Tsqlite3_io_methods {
	baseFile := (*sqlite3.Tsqlite3_file)(unsafe.Pointer(uintptr(unsafe.Pointer(rec)) + unsafe.Sizeof(fileRecord{})))
	return (*sqlite3.Tsqlite3_io_methods)(unsafe.Pointer(baseFile.FpMethods))
}

func baseFilePtr(rec *fileRecord) uintptr {
	return uintptr(unsafe.Pointer(rec)) + unsafe.Sizeof(fileRecord{})
}

// hostRandomIO adapts the underlying (forwarded-to) sqlite3_file's raw
// Read/Write/Truncate/FileSize callbacks into securefs.RandomIO, so a
// blockio.Stream can be layered directly on top of whatever file the host
// VFS actually opened (disk, tmpfs, memory-mapped, whatever it is).
type hostRandomIO struct {
	tls *libc.TLS
	rec *fileRecord
}

func (h *hostRandomIO) rawSize() (int64, error) {
	m := baseMethods(h.rec)
	fn := *(*func(*libc.TLS, uintptr, uintptr) int32)(unsafe.Pointer(&m.FxFileSize))
	var sz sqlite3.Tsqlite3_int64
	rc := fn(h.tls, baseFilePtr(h.rec), uintptr(unsafe.Pointer(&sz)))
	if rc != sqlite3.SQLITE_OK {
		return 0, securefs.NewStorageError("filesize", "", rawErr(rc))
	}
	return int64(sz), nil
}

func (h *hostRandomIO) ReadAt(p []byte, off int64) (int, error) {
	sz, err := h.rawSize()
	if err != nil {
		return 0, err
	}
	avail := sz - off
	if avail <= 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > avail {
		toRead = avail
	}
	m := baseMethods(h.rec)
	fn := *(*func(*libc.TLS, uintptr, uintptr, int32, sqlite3.Tsqlite3_int64) int32)(unsafe.Pointer(&m.FxRead))
	rc := fn(h.tls, baseFilePtr(h.rec), uintptr(unsafe.Pointer(&p[0])), int32(toRead), sqlite3.Tsqlite3_int64(off))
	if rc != sqlite3.SQLITE_OK {
		return 0, securefs.NewStorageError("read", "", rawErr(rc))
	}
	return int(toRead), nil
}

func (h *hostRandomIO) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m := baseMethods(h.rec)
	fn := *(*func(*libc.TLS, uintptr, uintptr, int32, sqlite3.Tsqlite3_int64) int32)(unsafe.Pointer(&m.FxWrite))
	rc := fn(h.tls, baseFilePtr(h.rec), uintptr(unsafe.Pointer(&p[0])), int32(len(p)), sqlite3.Tsqlite3_int64(off))
	if rc != sqlite3.SQLITE_OK {
		return 0, securefs.NewStorageError("write", "", rawErr(rc))
	}
	return len(p), nil
}

func (h *hostRandomIO) Size() (int64, error) {
	return h.rawSize()
}

func (h *hostRandomIO) Resize(newSize int64) error {
	m := baseMethods(h.rec)
	fn := *(*func(*libc.TLS, uintptr, sqlite3.Tsqlite3_int64) int32)(unsafe.Pointer(&m.FxTruncate))
	rc := fn(h.tls, baseFilePtr(h.rec), sqlite3.Tsqlite3_int64(newSize))
	if rc != sqlite3.SQLITE_OK {
		return securefs.NewStorageError("truncate", "", rawErr(rc))
	}
	return nil
}

func rawErr(rc int32) error {
	return &rawSQLiteError{rc: rc}
}

type rawSQLiteError struct{ rc int32 }

func (e *rawSQLiteError) Error() string { return "sqlite vfs I/O error" }

// vfsOpen implements sqlite3_vfs.xOpen: it forwards to the base VFS to
// obtain a real file handle, then layers a blockio.Stream on top keyed by
// the registration's state.
func vfsOpen(tls *libc.TLS, pVfs, zName, pFile uintptr, flags int32, pOutFlags uintptr) (rc int32) {
	defer recoverToIOErr(&rc)

	v := (*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(pVfs))
	state := getObject(v.FpAppData).(*vfsState)
	base := (*sqlite3.Tsqlite3_vfs)(unsafe.Pointer(state.baseVFS))

	rec := (*fileRecord)(unsafe.Pointer(pFile))
	openFlags := flags
	if state.params.ReadOnly {
		openFlags = (openFlags &^ sqlite3.SQLITE_OPEN_READWRITE) | sqlite3.SQLITE_OPEN_READONLY
	}
	if rc := callBaseOpen(tls, base, state.baseVFS, zName, baseFilePtr(rec), openFlags, pOutFlags); rc != sqlite3.SQLITE_OK {
		return rc
	}

	fs := &fileState{
		baseFile: baseFilePtr(rec),
		params:   state.params,
	}
	fs.host = &hostRandomIO{tls: tls, rec: rec}
	stream, err := blockio.New(state.params.Key, state.params.PhysicalBlockSize, fs.host, state.params.ReadOnly)
	if err != nil {
		vfsLog.WithError(err).Warn("failed to initialize block stream on open")
		return sqlite3.SQLITE_IOERR
	}
	fs.stream = stream
	rec.stateTok = addObject(fs)
	rec.base.FpMethods = ioMethods(tls)
	return sqlite3.SQLITE_OK
}

func fileRecordAt(pFile uintptr) *fileRecord {
	return (*fileRecord)(unsafe.Pointer(pFile))
}

func fileStateAt(pFile uintptr) *fileState {
	rec := fileRecordAt(pFile)
	return getObject(rec.stateTok).(*fileState)
}

func fileClose(tls *libc.TLS, pFile uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	rec := fileRecordAt(pFile)
	m := baseMethods(rec)
	fn := *(*func(*libc.TLS, uintptr) int32)(unsafe.Pointer(&m.FxClose))
	baseRC := fn(tls, baseFilePtr(rec))
	removeObject(rec.stateTok)
	return baseRC
}

func fileRead(tls *libc.TLS, pFile, pBuf uintptr, iAmt int32, iOfst sqlite3.Tsqlite3_int64) (rc int32) {
	defer recoverToIOErr(&rc)
	fs := fileStateAt(pFile)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf := (*libc.RawMem)(unsafe.Pointer(pBuf))[:iAmt]
	n, err := fs.stream.ReadAt(buf, int64(iOfst))
	if err != nil && n < int(iAmt) {
		if n > 0 {
			for i := n; i < int(iAmt); i++ {
				buf[i] = 0
			}
		}
		if securefs.IsIntegrityError(err) {
			return sqlite3.SQLITE_IOERR_CORRUPTFS
		}
		return sqlite3.SQLITE_IOERR_SHORT_READ
	}
	return sqlite3.SQLITE_OK
}

func fileWrite(tls *libc.TLS, pFile, pBuf uintptr, iAmt int32, iOfst sqlite3.Tsqlite3_int64) (rc int32) {
	defer recoverToIOErr(&rc)
	fs := fileStateAt(pFile)
	if fs.params.ReadOnly {
		return sqlite3.SQLITE_READONLY
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	buf := (*libc.RawMem)(unsafe.Pointer(pBuf))[:iAmt]
	if _, err := fs.stream.WriteAt(buf, int64(iOfst)); err != nil {
		return sqlite3.SQLITE_IOERR_WRITE
	}
	return sqlite3.SQLITE_OK
}

func fileTruncate(tls *libc.TLS, pFile uintptr, size sqlite3.Tsqlite3_int64) (rc int32) {
	defer recoverToIOErr(&rc)
	fs := fileStateAt(pFile)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.stream.Resize(int64(size)); err != nil {
		return sqlite3.SQLITE_IOERR_TRUNCATE
	}
	return sqlite3.SQLITE_OK
}

func fileSync(tls *libc.TLS, pFile uintptr, flags int32) (rc int32) {
	defer recoverToIOErr(&rc)
	rec := fileRecordAt(pFile)
	m := baseMethods(rec)
	fn := *(*func(*libc.TLS, uintptr, int32) int32)(unsafe.Pointer(&m.FxSync))
	return fn(tls, baseFilePtr(rec), flags)
}

func fileSize(tls *libc.TLS, pFile, pSize uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	fs := fileStateAt(pFile)
	fs.mu.Lock()
	sz, err := fs.stream.Size()
	fs.mu.Unlock()
	if err != nil {
		return sqlite3.SQLITE_IOERR_FSTAT
	}
	*(*sqlite3.Tsqlite3_int64)(unsafe.Pointer(pSize)) = sqlite3.Tsqlite3_int64(sz)
	return sqlite3.SQLITE_OK
}

func fileLock(tls *libc.TLS, pFile uintptr, lockType int32) (rc int32) {
	defer recoverToIOErr(&rc)
	rec := fileRecordAt(pFile)
	m := baseMethods(rec)
	fn := *(*func(*libc.TLS, uintptr, int32) int32)(unsafe.Pointer(&m.FxLock))
	return fn(tls, baseFilePtr(rec), lockType)
}

func fileUnlock(tls *libc.TLS, pFile uintptr, lockType int32) (rc int32) {
	defer recoverToIOErr(&rc)
	rec := fileRecordAt(pFile)
	m := baseMethods(rec)
	fn := *(*func(*libc.TLS, uintptr, int32) int32)(unsafe.Pointer(&m.FxUnlock))
	return fn(tls, baseFilePtr(rec), lockType)
}

func fileCheckReservedLock(tls *libc.TLS, pFile, pResOut uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	rec := fileRecordAt(pFile)
	m := baseMethods(rec)
	fn := *(*func(*libc.TLS, uintptr, uintptr) int32)(unsafe.Pointer(&m.FxCheckReservedLock))
	return fn(tls, baseFilePtr(rec), pResOut)
}

// fileControl implements SIZE_HINT (translated from logical to physical
// byte count, rounded up to a block boundary) and forwards LOCKSTATE and
// TEMPFILENAME to the underlying file; every other op reports not found.
func fileControl(tls *libc.TLS, pFile uintptr, op int32, pArg uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	rec := fileRecordAt(pFile)
	fs := fileStateAt(pFile)

	switch op {
	case sqlite3.SQLITE_FCNTL_SIZE_HINT:
		logical := int64(*(*sqlite3.Tsqlite3_int64)(unsafe.Pointer(pArg)))
		v := fs.stream.VirtualBlockSize()
		p := fs.stream.PhysicalBlockSize()
		blocks := logical / v
		if logical%v != 0 {
			blocks++
		}
		physical := blocks * p
		m := baseMethods(rec)
		fn := *(*func(*libc.TLS, uintptr, int32, uintptr) int32)(unsafe.Pointer(&m.FxFileControl))
		var arg sqlite3.Tsqlite3_int64 = sqlite3.Tsqlite3_int64(physical)
		return fn(tls, baseFilePtr(rec), sqlite3.SQLITE_FCNTL_SIZE_HINT, uintptr(unsafe.Pointer(&arg)))
	case sqlite3.SQLITE_FCNTL_LOCKSTATE, sqlite3.SQLITE_FCNTL_TEMPFILENAME:
		m := baseMethods(rec)
		fn := *(*func(*libc.TLS, uintptr, int32, uintptr) int32)(unsafe.Pointer(&m.FxFileControl))
		return fn(tls, baseFilePtr(rec), op, pArg)
	default:
		return sqlite3.SQLITE_NOTFOUND
	}
}

func fileSectorSize(tls *libc.TLS, pFile uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	fs := fileStateAt(pFile)
	return int32(fs.stream.VirtualBlockSize())
}

func fileDeviceCharacteristics(tls *libc.TLS, pFile uintptr) (rc int32) {
	defer recoverToIOErr(&rc)
	fs := fileStateAt(pFile)
	if fs.params.ReadOnly {
		return sqlite3.SQLITE_IOCAP_IMMUTABLE
	}
	return 0
}
