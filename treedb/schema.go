package treedb

import "math"

// RootIno is the reserved inode naming the repository root directory.
const RootIno int64 = math.MinInt64

// FileType is the kind of a directory entry.
type FileType int8

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "REGULAR"
	case TypeDirectory:
		return "DIRECTORY"
	case TypeSymlink:
		return "SYMLINK"
	default:
		return "UNKNOWN"
	}
}

// LookupMode is the name-matching strategy frozen into a repository at
// creation time.
type LookupMode int8

const (
	LookupExact LookupMode = iota
	LookupCaseInsensitive
	LookupNFC
)

// createTablesBaseSQL holds the DDL for the Entries and Xattr relations
// that every repository carries regardless of exact_name_only.
//
// The Xattr relation is keyed on (inode, xattr_key), not on inode alone:
// a single inode legitimately carries more than one extended attribute,
// which ListXattr (xattr.go) depends on. A literal primary-key-on-inode-only
// reading would allow at most one xattr per inode, which contradicts both
// the extended-attributes access layer and ordinary filesystem semantics,
// so the unique index here binds the pair instead.
const createTablesBaseSQL = `
CREATE TABLE IF NOT EXISTS entries (
	inode               INTEGER NOT NULL,
	parent_inode        INTEGER NOT NULL,
	name                BLOB NOT NULL,
	file_type           INTEGER NOT NULL,
	link_count          INTEGER NOT NULL,
	uid                 INTEGER,
	gid                 INTEGER,
	security_descriptor BLOB
);

CREATE INDEX IF NOT EXISTS idx_entries_inode ON entries(inode);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_parent_name ON entries(parent_inode, name);

CREATE TABLE IF NOT EXISTS xattr (
	inode       INTEGER NOT NULL,
	xattr_key   TEXT NOT NULL,
	xattr_value BLOB NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_xattr_inode_key ON xattr(inode, xattr_key);
`

// createDerivedNameColumnsSQL adds the casefolded_name/nfc_normed_name
// columns and their partial indexes. It is run only for repositories
// created with exact_name_only unset: a repository created with
// exact_name_only set supports only exact-name lookups, so it never pays
// for the extra columns and indexes.
const createDerivedNameColumnsSQL = `
ALTER TABLE entries ADD COLUMN casefolded_name BLOB;
ALTER TABLE entries ADD COLUMN nfc_normed_name BLOB;

CREATE INDEX IF NOT EXISTS idx_entries_parent_casefold ON entries(parent_inode, casefolded_name)
	WHERE casefolded_name IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entries_parent_nfc ON entries(parent_inode, nfc_normed_name)
	WHERE nfc_normed_name IS NOT NULL;
`

// hasDerivedNameColumns reports whether entries already carries the
// derived-name columns, so CreateTables can be called idempotently
// against an already-bootstrapped database without re-running the
// ALTER TABLE statements (which fail on a column that already exists).
func (db *DB) hasDerivedNameColumns() (bool, error) {
	rows, err := db.sqlDB.Query(`PRAGMA table_info(entries)`)
	if err != nil {
		return false, wrapSQLError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, wrapSQLError(err)
		}
		if name == "casefolded_name" {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, wrapSQLError(err)
	}
	return false, nil
}

// CreateTables creates the Entries and Xattr relations and their indexes
// (including the derived-name columns and their partial indexes, but only
// when the DB was opened with exactNameOnly false), then inserts the root
// directory entry if it does not already exist. It runs outside the
// scoped-locker envelope: it is part of repository bootstrap, not a
// tree-mutating filesystem operation.
func (db *DB) CreateTables() error {
	if _, err := db.sqlDB.Exec(createTablesBaseSQL); err != nil {
		return wrapSQLError(err)
	}
	if !db.exactName {
		have, err := db.hasDerivedNameColumns()
		if err != nil {
			return err
		}
		if !have {
			if _, err := db.sqlDB.Exec(createDerivedNameColumnsSQL); err != nil {
				return wrapSQLError(err)
			}
		}
	}
	var exists int
	row := db.sqlDB.QueryRow(`SELECT COUNT(*) FROM entries WHERE inode = ?`, RootIno)
	if err := row.Scan(&exists); err != nil {
		return wrapSQLError(err)
	}
	if exists > 0 {
		return nil
	}
	_, err := db.sqlDB.Exec(
		`INSERT INTO entries (inode, parent_inode, name, file_type, link_count) VALUES (?, ?, ?, ?, 1)`,
		RootIno, RootIno, []byte("/"), int(TypeDirectory),
	)
	if err != nil {
		return wrapSQLError(err)
	}
	return nil
}
