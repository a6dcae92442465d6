package repo

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
	"github.com/absfs/inode"
	securefs "github.com/absfs/securefs"
	"github.com/absfs/securefs/blockio"
)

// compile-time assertion that ShardedContentStore satisfies the content
// store interface the root filesystem layer expects.
var _ inode.ByteStore = (*ShardedContentStore)(nil)

// shardPath returns the two-level hex-sharded content path for inode ino
// under repoPath: <repoPath>/<hh1>/<hh2>/<16-hex-inode>, where hh1 is the
// inode's top byte and hh2 its second byte (both big-endian), each two
// lowercase hex characters, and the filename is all eight bytes in
// lowercase hex.
func shardPath(repoPath string, ino uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ino)
	outer := hex.EncodeToString(b[0:1])
	inner := hex.EncodeToString(b[1:2])
	name := hex.EncodeToString(b[:])
	return filepath.Join(repoPath, outer, inner, name)
}

// shardDirs returns the outer and inner shard directory paths for ino,
// without the filename component, used at repository bootstrap to
// pre-create the root inode's shard directories.
func shardDirs(repoPath string, ino uint64) (outer, inner string) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ino)
	outer = filepath.Join(repoPath, hex.EncodeToString(b[0:1]))
	inner = filepath.Join(outer, hex.EncodeToString(b[1:2]))
	return outer, inner
}

// fileRandomIO adapts an absfs.File (a Seek+Read/Write/Truncate/Stat
// handle, not a ReadAt/WriteAt one) to securefs.RandomIO. Not safe for
// concurrent use: the seek-then-read/write sequence is not atomic, which
// matches the concurrency model's rule that per-content-file streams are
// never shared across handles.
type fileRandomIO struct {
	f absfs.File
}

func (r *fileRandomIO) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := r.f.Read(p[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				break
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (r *fileRandomIO) WriteAt(p []byte, off int64) (int, error) {
	if _, err := r.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return r.f.Write(p)
}

func (r *fileRandomIO) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (r *fileRandomIO) Resize(newSize int64) error {
	return r.f.Truncate(newSize)
}

// ShardedContentStore implements github.com/absfs/inode.ByteStore over an
// absfs.FileSystem, addressing each inode's ciphertext through the
// two-level hex-sharded path convention and wrapping every opened content
// file in its own blockio.Stream under the repository's content key.
type ShardedContentStore struct {
	fs                absfs.FileSystem
	repoPath          string
	contentKey        []byte
	physicalBlockSize int64
	readOnly          bool
}

// NewShardedContentStore constructs a content store rooted at repoPath on
// fs, encrypting every content file with contentKey in physicalBlockSize
// units. When readOnly is set, WriteAt and Truncate are rejected and every
// content file is opened O_RDONLY, matching a repository opened read-only.
func NewShardedContentStore(fs absfs.FileSystem, repoPath string, contentKey []byte, physicalBlockSize int64, readOnly bool) *ShardedContentStore {
	return &ShardedContentStore{
		fs:                fs,
		repoPath:          repoPath,
		contentKey:        contentKey,
		physicalBlockSize: physicalBlockSize,
		readOnly:          readOnly,
	}
}

func (s *ShardedContentStore) openStream(ino uint64, flag int) (*blockio.Stream, absfs.File, error) {
	path := shardPath(s.repoPath, ino)
	if s.readOnly {
		flag = os.O_RDONLY
	}
	if flag&os.O_CREATE != 0 {
		if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, securefs.NewStorageError("mkdir", filepath.Dir(path), err)
		}
	}
	f, err := s.fs.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, nil, err
	}
	readOnly := s.readOnly || flag&(os.O_WRONLY|os.O_RDWR) == 0
	stream, err := blockio.New(s.contentKey, s.physicalBlockSize, &fileRandomIO{f: f}, readOnly)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return stream, f, nil
}

// ReadAt implements inode.ByteStore. A nonexistent content file reads as
// empty rather than erroring.
func (s *ShardedContentStore) ReadAt(ino uint64, p []byte, off int64) (int, error) {
	stream, f, err := s.openStream(ino, os.O_RDONLY)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, securefs.NewStorageError("read", shardPath(s.repoPath, ino), err)
	}
	defer f.Close()
	return stream.ReadAt(p, off)
}

// WriteAt implements inode.ByteStore, creating the content file (and its
// shard directories) lazily on first write.
func (s *ShardedContentStore) WriteAt(ino uint64, p []byte, off int64) (int, error) {
	if s.readOnly {
		return 0, securefs.NewStorageError("write", shardPath(s.repoPath, ino), os.ErrPermission)
	}
	stream, f, err := s.openStream(ino, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return 0, securefs.NewStorageError("write", shardPath(s.repoPath, ino), err)
	}
	defer f.Close()
	return stream.WriteAt(p, off)
}

// Truncate implements inode.ByteStore.
func (s *ShardedContentStore) Truncate(ino uint64, size int64) error {
	if s.readOnly {
		return securefs.NewStorageError("truncate", shardPath(s.repoPath, ino), os.ErrPermission)
	}
	stream, f, err := s.openStream(ino, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return securefs.NewStorageError("truncate", shardPath(s.repoPath, ino), err)
	}
	defer f.Close()
	return stream.Resize(size)
}

// Remove implements inode.ByteStore. Removing a nonexistent inode is not
// an error.
func (s *ShardedContentStore) Remove(ino uint64) error {
	if s.readOnly {
		return securefs.NewStorageError("remove", shardPath(s.repoPath, ino), os.ErrPermission)
	}
	path := shardPath(s.repoPath, ino)
	err := s.fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return securefs.NewStorageError("remove", path, err)
	}
	return nil
}

// Stat implements inode.ByteStore. A nonexistent content file reports
// size 0 with no error.
func (s *ShardedContentStore) Stat(ino uint64) (int64, error) {
	stream, f, err := s.openStream(ino, os.O_RDONLY)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, securefs.NewStorageError("stat", shardPath(s.repoPath, ino), err)
	}
	defer f.Close()
	return stream.Size()
}
