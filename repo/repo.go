// Package repo ties the tree index database, the encrypting VFS, and the
// sharded content store into a single repository entity: the thing a
// caller actually creates, opens, and closes.
package repo

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
	securefs "github.com/absfs/securefs"
	"github.com/absfs/securefs/blockio"
	"github.com/absfs/securefs/internal/configpb"
	"github.com/absfs/securefs/sqlitevfs"
	"github.com/absfs/securefs/treedb"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var repoLog = logrus.WithField("component", "repo")

const configFileName = "config.pb"

// CreateOptions configures a new repository.
type CreateOptions struct {
	Path                      string
	Password                  []byte
	KeyFile                   []byte
	ExactNameOnly             bool
	NameLookupMode            treedb.LookupMode
	UnderlyingBlockSize       int64
	VirtualBlockSizeForTreeDB int64
	Argon2Params              Argon2Params
	FileSystem                absfs.FileSystem
}

// Repository bundles the open tree index database and content store for a
// single securefs repository instance.
type Repository struct {
	TreeDB       *treedb.DB
	ContentStore *ShardedContentStore

	sqlDB      *sql.DB
	unregister func()
	path       string
}

func nameLookupModeToConfig(m treedb.LookupMode) configpb.NameLookupMode {
	switch m {
	case treedb.LookupCaseInsensitive:
		return configpb.NameLookupCaseInsensitive
	case treedb.LookupNFC:
		return configpb.NameLookupNFC
	default:
		return configpb.NameLookupExact
	}
}

func nameLookupModeFromConfig(m configpb.NameLookupMode) treedb.LookupMode {
	switch m {
	case configpb.NameLookupCaseInsensitive:
		return treedb.LookupCaseInsensitive
	case configpb.NameLookupNFC:
		return treedb.LookupNFC
	default:
		return treedb.LookupExact
	}
}

// Create bootstraps a brand-new repository at opts.Path: it creates the
// repository directory and the root inode's shard directories, writes a
// random placeholder at the root content path, derives and wraps fresh
// master keys under the user's password (and optional key-file), writes
// the serialized config, and creates the tree database. Any failure during
// this sequence removes everything created so far, in reverse order.
func Create(opts CreateOptions) (*Repository, error) {
	if err := securefs.ValidateFilePath(opts.Path); err != nil {
		return nil, err
	}
	if opts.UnderlyingBlockSize <= blockOverhead() {
		return nil, securefs.NewInvalidParameterError("UnderlyingBlockSize", opts.UnderlyingBlockSize, "must exceed the block cipher overhead")
	}

	fs := opts.FileSystem
	var cleanups []func()
	rollback := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if err := fs.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, securefs.NewStorageError("mkdir", opts.Path, err)
	}
	cleanups = append(cleanups, func() { fs.RemoveAll(opts.Path) })

	rootIno := treedb.RootIno
	rootOuter, rootInner := shardDirs(opts.Path, uint64(rootIno))
	if err := fs.MkdirAll(rootInner, 0o755); err != nil {
		rollback()
		return nil, securefs.NewStorageError("mkdir", rootInner, err)
	}
	_ = rootOuter

	placeholderPath := shardPath(opts.Path, uint64(rootIno))
	placeholder := make([]byte, opts.UnderlyingBlockSize)
	if _, err := rand.Read(placeholder); err != nil {
		rollback()
		return nil, securefs.NewStorageError("rand", placeholderPath, err)
	}
	pf, err := fs.OpenFile(placeholderPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		rollback()
		return nil, securefs.NewStorageError("create", placeholderPath, err)
	}
	if _, err := pf.Write(placeholder); err != nil {
		pf.Close()
		rollback()
		return nil, securefs.NewStorageError("write", placeholderPath, err)
	}
	pf.Close()

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		rollback()
		return nil, securefs.NewStorageError("rand", "", err)
	}

	mk, err := newMasterKeys()
	if err != nil {
		rollback()
		return nil, err
	}

	userKey, err := deriveUserKey(opts.Password, salt, opts.KeyFile, opts.Argon2Params)
	if err != nil {
		rollback()
		return nil, err
	}

	enc, err := sealMasterKeys(userKey, mk)
	if err != nil {
		rollback()
		return nil, err
	}

	cfg := &configpb.SecureFSSerializedConfig{
		Params: configpb.FileSystemParams{
			FormatVersion:             1,
			UnderlyingBlockSize:       uint64(opts.UnderlyingBlockSize),
			VirtualBlockSizeForTreeDB: uint64(opts.VirtualBlockSizeForTreeDB),
			ExactNameOnly:             opts.ExactNameOnly,
			NameLookupMode:            nameLookupModeToConfig(opts.NameLookupMode),
		},
		Argon2Params:        toConfigArgon2(opts.Argon2Params),
		Salt:                salt,
		EncryptedMasterKeys: enc,
	}
	configPath := filepath.Join(opts.Path, configFileName)
	cf, err := fs.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		rollback()
		return nil, securefs.NewStorageError("create", configPath, err)
	}
	if _, err := cf.Write(configpb.Marshal(cfg)); err != nil {
		cf.Close()
		rollback()
		return nil, securefs.NewStorageError("write", configPath, err)
	}
	cf.Close()
	cleanups = append(cleanups, func() { fs.Remove(configPath) })

	vfsName, unregister, err := sqlitevfs.Register(sqlitevfs.Params{
		Key:               mk.TreeDBKey[:],
		PhysicalBlockSize: opts.UnderlyingBlockSize,
	})
	if err != nil {
		rollback()
		return nil, err
	}
	cleanups = append(cleanups, unregister)

	treeDBPath := filepath.Join(opts.Path, "tree.db")
	dsn := fmt.Sprintf("file:%s?vfs=%s&mode=rwc&_pragma=locking_mode(EXCLUSIVE)", treeDBPath, vfsName)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		rollback()
		return nil, securefs.NewSQLError(0, err)
	}

	db := treedb.Open(sqlDB, opts.NameLookupMode, opts.ExactNameOnly)
	if err := db.CreateTables(); err != nil {
		db.Close()
		rollback()
		return nil, err
	}

	repoLog.WithField("path", opts.Path).Debug("created repository")

	return &Repository{
		TreeDB:       db,
		ContentStore: NewShardedContentStore(fs, opts.Path, mk.ContentKey[:], opts.UnderlyingBlockSize, false),
		sqlDB:        sqlDB,
		unregister:   unregister,
		path:         opts.Path,
	}, nil
}

// Open opens an existing repository at path, unwrapping its master keys
// under password (and optional key-file) and registering the VFS and tree
// database in the requested mode. A repository is thereafter only ever
// opened read/write or read-only: when readOnly is true, the tree database
// VFS reports IMMUTABLE and rejects writes, its DSN is opened mode=ro, and
// the content store rejects WriteAt/Truncate/Remove. Authentication failure
// while unwrapping the master keys surfaces as securefs.IntegrityError.
func Open(fs absfs.FileSystem, path string, password, keyFile []byte, readOnly bool) (*Repository, error) {
	configPath := filepath.Join(path, configFileName)
	cf, err := fs.Open(configPath)
	if err != nil {
		return nil, securefs.NewStorageError("open", configPath, err)
	}
	data, err := readAll(cf)
	cf.Close()
	if err != nil {
		return nil, securefs.NewStorageError("read", configPath, err)
	}

	cfg, err := configpb.Unmarshal(data)
	if err != nil {
		return nil, securefs.NewInvalidParameterError("config", configPath, "malformed config: "+err.Error())
	}

	argonParams := fromConfigArgon2(cfg.Argon2Params)
	userKey, err := deriveUserKey(password, cfg.Salt, keyFile, argonParams)
	if err != nil {
		return nil, err
	}

	mk, err := unsealMasterKeys(userKey, cfg.EncryptedMasterKeys)
	if err != nil {
		return nil, err
	}

	vfsName, unregister, err := sqlitevfs.Register(sqlitevfs.Params{
		Key:               mk.TreeDBKey[:],
		PhysicalBlockSize: int64(cfg.Params.UnderlyingBlockSize),
		ReadOnly:          readOnly,
	})
	if err != nil {
		return nil, err
	}

	treeDBPath := filepath.Join(path, "tree.db")
	mode := "rw"
	if readOnly {
		mode = "ro"
	}
	dsn := fmt.Sprintf("file:%s?vfs=%s&mode=%s", treeDBPath, vfsName, mode)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		unregister()
		return nil, securefs.NewSQLError(0, err)
	}

	lookupMode := nameLookupModeFromConfig(cfg.Params.NameLookupMode)
	db := treedb.Open(sqlDB, lookupMode, cfg.Params.ExactNameOnly)

	repoLog.WithField("path", path).WithField("read_only", readOnly).Debug("opened repository")

	return &Repository{
		TreeDB:       db,
		ContentStore: NewShardedContentStore(fs, path, mk.ContentKey[:], int64(cfg.Params.UnderlyingBlockSize), readOnly),
		sqlDB:        sqlDB,
		unregister:   unregister,
		path:         path,
	}, nil
}

// Close closes the tree database handle and releases the repository's VFS
// registration.
func (r *Repository) Close() error {
	err := r.TreeDB.Close()
	r.unregister()
	return err
}

func readAll(f absfs.File) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

func blockOverhead() int64 { return blockio.Overhead }
