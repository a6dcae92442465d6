package treedb

import (
	"database/sql"
	"errors"

	securefs "github.com/absfs/securefs"
)

const selectXattrValue = `SELECT xattr_value FROM xattr WHERE inode = ? AND xattr_key = ?`
const upsertXattr = `
INSERT INTO xattr (inode, xattr_key, xattr_value) VALUES (?, ?, ?)
ON CONFLICT(inode, xattr_key) DO UPDATE SET xattr_value = excluded.xattr_value
`
const deleteXattr = `DELETE FROM xattr WHERE inode = ? AND xattr_key = ?`
const listXattrKeys = `SELECT xattr_key FROM xattr WHERE inode = ? ORDER BY xattr_key`

// GetXattr returns the value stored for (inode, key). Misses surface as
// PathNotFoundError, matching the convention used for missing tree
// entries.
func (tx *Tx) GetXattr(inode int64, key string) ([]byte, error) {
	stmt, err := tx.stmt(selectXattrValue)
	if err != nil {
		return nil, err
	}
	var value []byte
	switch err := stmt.QueryRow(inode, key).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, securefs.NewPathNotFoundError(key)
	case err != nil:
		return nil, wrapSQLError(err)
	}
	return value, nil
}

// SetXattr upserts the value for (inode, key).
func (tx *Tx) SetXattr(inode int64, key string, value []byte) error {
	stmt, err := tx.stmt(upsertXattr)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(inode, key, value); err != nil {
		return wrapSQLError(err)
	}
	return nil
}

// RemoveXattr deletes the (inode, key) row, if present. Removing a
// nonexistent key is not an error.
func (tx *Tx) RemoveXattr(inode int64, key string) error {
	stmt, err := tx.stmt(deleteXattr)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(inode, key); err != nil {
		return wrapSQLError(err)
	}
	return nil
}

// ListXattr returns the sorted set of extended-attribute keys set on
// inode.
func (tx *Tx) ListXattr(inode int64) ([]string, error) {
	stmt, err := tx.stmt(listXattrKeys)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(inode)
	if err != nil {
		return nil, wrapSQLError(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrapSQLError(err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLError(err)
	}
	return keys, nil
}
