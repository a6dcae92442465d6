// Package securefs implements the on-disk cryptographic and indexing
// substrate of an encrypting userspace filesystem.
//
// # Overview
//
// A securefs repository is a directory on the host filesystem holding three
// things: a small configuration blob describing the encryption parameters
// and wrapped master keys, a relational tree database mapping path
// components to inodes, and a content directory of per-inode data files,
// each independently encrypted. The FUSE/WinFSP dispatch shim that turns
// these into a mountable filesystem, and the CLI that parses flags and
// drives it, are both out of scope for this module: securefs only provides
// the substrate they would sit on top of.
//
// # Components
//
//   - blockio: a block-indexed, per-block-authenticated AES-GCM random-access
//     stream. Turns any random-access byte container into a virtual
//     plaintext stream with sparse-zero semantics and in-place
//     truncation/extension.
//   - sqlitevfs: an encrypting VFS interposer for modernc.org/sqlite, so the
//     tree database lives inside a single encrypted SQL file.
//   - treedb: the tree index schema and access layer (inode allocation,
//     directory entries, multi-mode name lookup, link counting, extended
//     attributes), all under one serialized transaction per mutation.
//   - repo: repository bootstrap, password/key-file derivation, master-key
//     wrapping, and the two-level hex-sharded content directory convention.
//
// # Basic usage
//
//	r, err := repo.Create(repo.CreateOptions{
//	    Path:                "/var/lib/myvault",
//	    Password:            []byte("a strong passphrase"),
//	    UnderlyingBlockSize: 4096,
//	    Argon2Params:        repo.Argon2Params{Time: 1, MemoryKB: 64 * 1024, Parallelism: 2},
//	    FileSystem:          fs, // any absfs.FileSystem
//	})
//	if err != nil {
//	    panic(err)
//	}
//	defer r.Close()
//
//	var ino int64
//	err = r.TreeDB.Locked(func(tx *treedb.Tx) error {
//	    var err error
//	    ino, err = tx.CreateEntry(treedb.RootIno, []byte("hello.txt"), treedb.TypeRegular)
//	    return err
//	})
//	if err != nil {
//	    panic(err)
//	}
//	r.ContentStore.WriteAt(uint64(ino), []byte("hello, encrypted world"), 0)
//
// # Security considerations
//
// Protected against:
//   - Unauthorized reads of repository contents at rest.
//   - Undetected tampering of any single physical block (per-block AES-GCM).
//   - Offline brute-force of the password (Argon2id, tunable cost).
//
// Not protected against:
//   - Remote replication or snapshotting.
//   - Online key rotation.
//   - Access-pattern analysis (ciphertext sizes and content-file presence
//     are visible to anyone with host filesystem access).
//   - Cryptographic erasure of truncated plaintext beyond a file's new end;
//     only the trailing block's authenticator is rewritten.
//   - Swapping an authenticated block between two content files under the
//     same content key: the block's stream position is not bound into its
//     MAC (see blockio's doc comment).
package securefs
