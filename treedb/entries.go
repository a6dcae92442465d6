package treedb

import (
	"bytes"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"

	securefs "github.com/absfs/securefs"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// casefoldIfChanged returns the default-case-folded form of name, or nil if
// folding leaves it unchanged: the derived column is NULL in that case so
// storage is paid only when it disambiguates.
func casefoldIfChanged(name []byte) []byte {
	folded := folder.Bytes(name)
	if bytes.Equal(folded, name) {
		return nil
	}
	return folded
}

// nfcIfChanged returns the Unicode NFC normal form of name, or nil if
// already normalized.
func nfcIfChanged(name []byte) []byte {
	normed := norm.NFC.Bytes(name)
	if bytes.Equal(normed, name) {
		return nil
	}
	return normed
}

func isUniqueConstraintViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func randomInode() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(buf[:]))
	if v == RootIno {
		// astronomically unlikely; caller's loop retries on any collision
		// with an existing row, and the root row always exists, so this
		// falls out naturally, but drawing it again keeps the intent
		// explicit rather than relying on that side effect.
		return randomInode()
	}
	return v, nil
}

const queryInodeExists = `SELECT 1 FROM entries WHERE inode = ? LIMIT 1`

const insertEntryExact = `
INSERT INTO entries (inode, parent_inode, name, file_type, link_count)
VALUES (?, ?, ?, ?, 1)
`

const insertEntryDerived = `
INSERT INTO entries (inode, parent_inode, name, file_type, link_count, casefolded_name, nfc_normed_name)
VALUES (?, ?, ?, ?, 1, ?, ?)
`

// CreateEntry allocates a fresh inode via rejection sampling and inserts
// one directory-entry row for (parent, name). It must run inside a Locked
// scope.
func (tx *Tx) CreateEntry(parent int64, name []byte, fileType FileType) (int64, error) {
	existsStmt, err := tx.stmt(queryInodeExists)
	if err != nil {
		return 0, err
	}

	var ino int64
	for allocated := false; !allocated; {
		ino, err = randomInode()
		if err != nil {
			return 0, securefs.NewStorageError("rand", "", err)
		}
		var one int
		switch err := existsStmt.QueryRow(ino).Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			allocated = true
		case err != nil:
			return 0, wrapSQLError(err)
		}
	}

	if tx.db.exactName {
		insertStmt, err := tx.stmt(insertEntryExact)
		if err != nil {
			return 0, err
		}
		if _, err := insertStmt.Exec(ino, parent, name, int(fileType)); err != nil {
			if isUniqueConstraintViolation(err) {
				return 0, securefs.NewAlreadyExistsError(parent, string(name), err)
			}
			return 0, wrapSQLError(err)
		}
		return ino, nil
	}

	casefolded := casefoldIfChanged(name)
	nfcNormed := nfcIfChanged(name)

	insertStmt, err := tx.stmt(insertEntryDerived)
	if err != nil {
		return 0, err
	}
	if _, err := insertStmt.Exec(ino, parent, name, int(fileType), nullableBytes(casefolded), nullableBytes(nfcNormed)); err != nil {
		if isUniqueConstraintViolation(err) {
			return 0, securefs.NewAlreadyExistsError(parent, string(name), err)
		}
		return 0, wrapSQLError(err)
	}
	return ino, nil
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

// maxLinkCount is the largest value link_count may hold (the valid range
// is 1..65535 inclusive).
const maxLinkCount = 65535

const selectInodeForLink = `SELECT file_type, link_count FROM entries WHERE inode = ? LIMIT 1`

const insertHardLinkExact = `
INSERT INTO entries (inode, parent_inode, name, file_type, link_count)
VALUES (?, ?, ?, ?, ?)
`

const insertHardLinkDerived = `
INSERT INTO entries (inode, parent_inode, name, file_type, link_count, casefolded_name, nfc_normed_name)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

const bumpLinkCount = `UPDATE entries SET link_count = ? WHERE inode = ?`

// CreateHardLink inserts an additional (parent, name) row naming an
// already-allocated inode and bumps the link_count shared by every row
// naming it. The inode must already exist (typically allocated by an
// earlier CreateEntry) and must not be a directory, since directories are
// pinned at link_count 1. It must run inside a Locked scope.
func (tx *Tx) CreateHardLink(parent int64, name []byte, inode int64) error {
	lookupStmt, err := tx.stmt(selectInodeForLink)
	if err != nil {
		return err
	}
	var ft int
	var linkCount int
	switch err := lookupStmt.QueryRow(inode).Scan(&ft, &linkCount); {
	case errors.Is(err, sql.ErrNoRows):
		return securefs.NewPathNotFoundError("<inode>")
	case err != nil:
		return wrapSQLError(err)
	}
	if FileType(ft) == TypeDirectory {
		return securefs.NewInvalidParameterError("inode", inode, "directories cannot have additional hard links")
	}
	if linkCount >= maxLinkCount {
		return securefs.NewInvalidParameterError("inode", inode, "link_count limit reached")
	}

	newCount := linkCount + 1

	if tx.db.exactName {
		insertStmt, err := tx.stmt(insertHardLinkExact)
		if err != nil {
			return err
		}
		if _, err := insertStmt.Exec(inode, parent, name, ft, newCount); err != nil {
			if isUniqueConstraintViolation(err) {
				return securefs.NewAlreadyExistsError(parent, string(name), err)
			}
			return wrapSQLError(err)
		}
	} else {
		casefolded := casefoldIfChanged(name)
		nfcNormed := nfcIfChanged(name)

		insertStmt, err := tx.stmt(insertHardLinkDerived)
		if err != nil {
			return err
		}
		if _, err := insertStmt.Exec(inode, parent, name, ft, newCount, nullableBytes(casefolded), nullableBytes(nfcNormed)); err != nil {
			if isUniqueConstraintViolation(err) {
				return securefs.NewAlreadyExistsError(parent, string(name), err)
			}
			return wrapSQLError(err)
		}
	}

	bumpStmt, err := tx.stmt(bumpLinkCount)
	if err != nil {
		return err
	}
	if _, err := bumpStmt.Exec(newCount, inode); err != nil {
		return wrapSQLError(err)
	}
	return nil
}

// LookupResult is the outcome of a single-component or full-path lookup.
// When Found is false the lookup is "negative": ParentInode and Name still
// identify where a subsequent CreateEntry should land.
type LookupResult struct {
	Found       bool
	Inode       int64
	ParentInode int64
	Name        []byte
	FileType    FileType
	LinkCount   int
}

func transformForLookup(mode LookupMode, name []byte) []byte {
	switch mode {
	case LookupCaseInsensitive:
		return folder.Bytes(name)
	case LookupNFC:
		return norm.NFC.Bytes(name)
	default:
		return name
	}
}

const lookupExactSQL = `SELECT inode, file_type, link_count FROM entries WHERE parent_inode = ? AND name = ?`
const lookupCaseInsensitiveSQL = `SELECT inode, file_type, link_count FROM entries WHERE parent_inode = ? AND (name = ? OR casefolded_name = ?) LIMIT 1`
const lookupNFCSQL = `SELECT inode, file_type, link_count FROM entries WHERE parent_inode = ? AND (name = ? OR nfc_normed_name = ?) LIMIT 1`

// LookupEntry performs a single-component lookup under mode (LookupPath
// passes the DB's frozen lookup mode). LookupEntry applies mode's Unicode
// transform to name itself via transformForLookup before binding it, so
// callers pass the name untransformed.
func (tx *Tx) LookupEntry(parent int64, name []byte, mode LookupMode) (*LookupResult, error) {
	query := transformForLookup(mode, name)

	var sqlText string
	var args []interface{}
	switch mode {
	case LookupExact:
		sqlText = lookupExactSQL
		args = []interface{}{parent, query}
	case LookupCaseInsensitive:
		sqlText = lookupCaseInsensitiveSQL
		args = []interface{}{parent, query, query}
	case LookupNFC:
		sqlText = lookupNFCSQL
		args = []interface{}{parent, query, query}
	default:
		return nil, securefs.NewInvalidParameterError("mode", mode, "unsupported lookup mode")
	}

	stmt, err := tx.stmt(sqlText)
	if err != nil {
		return nil, err
	}

	var ino int64
	var ft int
	var linkCount int
	switch err := stmt.QueryRow(args...).Scan(&ino, &ft, &linkCount); {
	case errors.Is(err, sql.ErrNoRows):
		return &LookupResult{Found: false, ParentInode: parent, Name: name}, nil
	case err != nil:
		return nil, wrapSQLError(err)
	}
	return &LookupResult{
		Found:       true,
		Inode:       ino,
		ParentInode: parent,
		Name:        name,
		FileType:    FileType(ft),
		LinkCount:   linkCount,
	}, nil
}

// LookupPath resolves a '/'-separated virtual path from the root,
// repeatedly applying LookupEntry. An intermediate miss fails with
// PathNotFoundError; a miss on the final component is returned as a
// negative LookupResult.
func (tx *Tx) LookupPath(path string) (*LookupResult, error) {
	components := splitPath(path)
	parent := RootIno
	if len(components) == 0 {
		return &LookupResult{Found: true, Inode: RootIno, ParentInode: RootIno, FileType: TypeDirectory, LinkCount: 1}, nil
	}
	for i, comp := range components {
		res, err := tx.LookupEntry(parent, []byte(comp), tx.db.lookupMode)
		if err != nil {
			return nil, err
		}
		last := i == len(components)-1
		if !res.Found {
			if !last {
				return nil, securefs.NewPathNotFoundError(path)
			}
			return res, nil
		}
		if !last && res.FileType != TypeDirectory {
			return nil, securefs.NewPathNotFoundError(path)
		}
		parent = res.Inode
		if last {
			return res, nil
		}
	}
	panic("unreachable")
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

const selectEntryForRemoval = `SELECT file_type, link_count FROM entries WHERE parent_inode = ? AND inode = ?`
const selectHasChildren = `SELECT 1 FROM entries WHERE parent_inode = ? LIMIT 1`
const deleteEntryRow = `DELETE FROM entries WHERE rowid = (SELECT rowid FROM entries WHERE parent_inode = ? AND inode = ? ORDER BY rowid LIMIT 1)`
const decrementLinkCount = `UPDATE entries SET link_count = link_count - 1 WHERE inode = ?`
const deleteXattrByInode = `DELETE FROM xattr WHERE inode = ?`

// RemoveEntry removes exactly one directory-entry row naming (parent,
// inode): the one link being unlinked, never a sibling row naming the
// same inode under a different name. When several links to inode sit
// under the same parent, the earliest-inserted row is the one removed.
// Returns true when that was the inode's last reference, in which case the
// inode's Xattr rows are deleted too and the caller can delete the backing
// content file; false when other links still name it, in which case the
// shared link_count is decremented but the inode survives.
func (tx *Tx) RemoveEntry(parent, inode int64) (fullyRemoved bool, err error) {
	typeStmt, err := tx.stmt(selectEntryForRemoval)
	if err != nil {
		return false, err
	}
	var ft int
	var linkCount int
	switch err := typeStmt.QueryRow(parent, inode).Scan(&ft, &linkCount); {
	case errors.Is(err, sql.ErrNoRows):
		return false, securefs.NewPathNotFoundError("<inode>")
	case err != nil:
		return false, wrapSQLError(err)
	}

	if FileType(ft) == TypeDirectory {
		childStmt, err := tx.stmt(selectHasChildren)
		if err != nil {
			return false, err
		}
		var one int
		switch err := childStmt.QueryRow(inode).Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			// empty, fall through
		case err != nil:
			return false, wrapSQLError(err)
		default:
			return false, securefs.NewNotEmptyError(inode)
		}
	}

	delStmt, err := tx.stmt(deleteEntryRow)
	if err != nil {
		return false, err
	}
	if _, err := delStmt.Exec(parent, inode); err != nil {
		return false, wrapSQLError(err)
	}

	if linkCount > 1 {
		stmt, err := tx.stmt(decrementLinkCount)
		if err != nil {
			return false, err
		}
		if _, err := stmt.Exec(inode); err != nil {
			return false, wrapSQLError(err)
		}
		return false, nil
	}

	xattrStmt, err := tx.stmt(deleteXattrByInode)
	if err != nil {
		return false, err
	}
	if _, err := xattrStmt.Exec(inode); err != nil {
		return false, wrapSQLError(err)
	}
	return true, nil
}
