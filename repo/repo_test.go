package repo

import (
	"encoding/hex"
	"testing"

	"github.com/absfs/memfs"
	securefs "github.com/absfs/securefs"
	"github.com/absfs/securefs/treedb"
)

func TestDeriveUserKeyVectorNoKeyFile(t *testing.T) {
	salt := make([]byte, 32)
	for i := range salt {
		salt[i] = 0x02
	}
	key, err := deriveUserKey([]byte("password"), salt, nil, Argon2Params{Time: 1, MemoryKB: 1, Parallelism: 2})
	if err != nil {
		t.Fatalf("deriveUserKey: %v", err)
	}
	want := "d6c41d93bc2cbf1c02e7c7fef2e25281e281b97d0a884ad6857c12e74905a381"
	if got := hex.EncodeToString(key); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestDeriveUserKeyVectorWithKeyFile(t *testing.T) {
	salt := make([]byte, 32)
	for i := range salt {
		salt[i] = 0x02
	}
	key, err := deriveUserKey([]byte("password"), salt, []byte("000"), Argon2Params{Time: 1, MemoryKB: 1, Parallelism: 2})
	if err != nil {
		t.Fatalf("deriveUserKey: %v", err)
	}
	want := "f07fec06343a7a7a144db88eaba9d9e9a4832d2b5d83e210a3cd568a2c300fa4"
	if got := hex.EncodeToString(key); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSealUnsealMasterKeysRoundTrip(t *testing.T) {
	mk, err := newMasterKeys()
	if err != nil {
		t.Fatalf("newMasterKeys: %v", err)
	}
	userKey := make([]byte, 32)
	enc, err := sealMasterKeys(userKey, mk)
	if err != nil {
		t.Fatalf("sealMasterKeys: %v", err)
	}
	got, err := unsealMasterKeys(userKey, enc)
	if err != nil {
		t.Fatalf("unsealMasterKeys: %v", err)
	}
	if got.TreeDBKey != mk.TreeDBKey {
		t.Fatalf("TreeDBKey mismatch after round trip")
	}
}

func TestUnsealMasterKeysRejectsTruncatedFields(t *testing.T) {
	mk, err := newMasterKeys()
	if err != nil {
		t.Fatalf("newMasterKeys: %v", err)
	}
	userKey := make([]byte, 32)
	enc, err := sealMasterKeys(userKey, mk)
	if err != nil {
		t.Fatalf("sealMasterKeys: %v", err)
	}

	truncatedIV := enc
	truncatedIV.IV = enc.IV[:len(enc.IV)-1]
	if _, err := unsealMasterKeys(userKey, truncatedIV); err == nil {
		t.Fatalf("expected error unsealing with a truncated IV")
	}

	truncatedMAC := enc
	truncatedMAC.MAC = enc.MAC[:len(enc.MAC)-1]
	if _, err := unsealMasterKeys(userKey, truncatedMAC); err == nil {
		t.Fatalf("expected error unsealing with a truncated MAC")
	}
}

func TestCreateThenOpenEndToEnd(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}

	opts := CreateOptions{
		Path:                      "/R",
		Password:                  []byte("p"),
		ExactNameOnly:             false,
		NameLookupMode:            treedb.LookupCaseInsensitive,
		UnderlyingBlockSize:       4096,
		VirtualBlockSizeForTreeDB: 4096,
		Argon2Params:              Argon2Params{Time: 1, MemoryKB: 64 * 1024, Parallelism: 2},
		FileSystem:                fs,
	}

	r, err := Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfgInfo, err := fs.Stat("/R/config.pb")
	if err != nil {
		t.Fatalf("stat config.pb: %v", err)
	}
	if cfgInfo.Size() == 0 {
		t.Fatalf("config.pb is empty")
	}

	rootIno := treedb.RootIno
	rootContentPath := shardPath("/R", uint64(rootIno))
	info, err := fs.Stat(rootContentPath)
	if err != nil {
		t.Fatalf("stat root content file: %v", err)
	}
	if info.Size() != 4096 {
		t.Fatalf("root content file size = %d, want 4096", info.Size())
	}

	err = r.TreeDB.Locked(func(tx *treedb.Tx) error {
		res, err := tx.LookupEntry(treedb.RootIno, []byte("anything"), treedb.LookupExact)
		if err != nil {
			return err
		}
		if res.Found {
			t.Fatalf("expected empty Entries table, found a row")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup against fresh repo: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(fs, "/R", []byte("p"), nil, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close()

	err = r2.TreeDB.Locked(func(tx *treedb.Tx) error {
		_, err := tx.CreateEntry(treedb.RootIno, []byte("hello"), treedb.TypeRegular)
		return err
	})
	if err != nil {
		t.Fatalf("create entry after reopen: %v", err)
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	opts := CreateOptions{
		Path:                      "/R",
		Password:                  []byte("p"),
		NameLookupMode:            treedb.LookupExact,
		ExactNameOnly:             true,
		UnderlyingBlockSize:       4096,
		VirtualBlockSizeForTreeDB: 4096,
		Argon2Params:              Argon2Params{Time: 1, MemoryKB: 1024, Parallelism: 1},
		FileSystem:                fs,
	}
	r, err := Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := Open(fs, "/R", []byte("p"), nil, true)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	err = ro.TreeDB.Locked(func(tx *treedb.Tx) error {
		_, err := tx.CreateEntry(treedb.RootIno, []byte("hello"), treedb.TypeRegular)
		return err
	})
	if err == nil {
		t.Fatalf("expected write against a read-only tree database to fail")
	}

	rootIno2 := treedb.RootIno
	if _, err := ro.ContentStore.WriteAt(uint64(rootIno2), []byte("x"), 0); err == nil {
		t.Fatalf("expected WriteAt against a read-only content store to fail")
	}
}

func TestOpenWithWrongPasswordFailsIntegrity(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	opts := CreateOptions{
		Path:                      "/R",
		Password:                  []byte("correct"),
		NameLookupMode:            treedb.LookupExact,
		ExactNameOnly:             true,
		UnderlyingBlockSize:       4096,
		VirtualBlockSizeForTreeDB: 4096,
		Argon2Params:              Argon2Params{Time: 1, MemoryKB: 1024, Parallelism: 1},
		FileSystem:                fs,
	}
	r, err := Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Close()

	_, err = Open(fs, "/R", []byte("wrong"), nil, false)
	if err == nil {
		t.Fatalf("expected failure opening with wrong password")
	}
	if !securefs.IsIntegrityError(err) {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
}
