package treedb

import (
	"database/sql"
	"sync"

	securefs "github.com/absfs/securefs"
	"github.com/sirupsen/logrus"
)

var treedbLog = logrus.WithField("component", "treedb")

// DB wraps a *sql.DB opened over an interposed, encrypting VFS and adds the
// scoped-locker transactional envelope and a prepared-statement cache.
// Every entry/lookup/remove/xattr operation runs inside Locked.
//
// DB pins the underlying connection pool to a single connection
// (SetMaxOpenConns(1)) so that the raw "BEGIN IMMEDIATE"/"COMMIT"/"ROLLBACK"
// statements issued by Locked and the statements run inside it always
// share one SQL engine connection; database/sql's own Tx type is
// deliberately not used here.
type DB struct {
	sqlDB      *sql.DB
	mu         sync.Mutex
	stmts      map[string]*sql.Stmt
	lookupMode LookupMode
	exactName  bool
}

// Open wraps sqlDB with the tree-DB access layer. lookupMode and
// exactNameOnly are frozen for the DB's lifetime, matching the repository
// creation option they come from.
func Open(sqlDB *sql.DB, lookupMode LookupMode, exactNameOnly bool) *DB {
	sqlDB.SetMaxOpenConns(1)
	return &DB{
		sqlDB:      sqlDB,
		stmts:      make(map[string]*sql.Stmt),
		lookupMode: lookupMode,
		exactName:  exactNameOnly,
	}
}

// Close releases the prepared-statement cache and the underlying
// connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, s := range db.stmts {
		s.Close()
	}
	db.stmts = nil
	return db.sqlDB.Close()
}

// Tx is the scope handle passed to a Locked closure. It is valid only for
// the duration of that closure.
type Tx struct {
	db *DB
}

func (tx *Tx) stmt(query string) (*sql.Stmt, error) {
	if s, ok := tx.db.stmts[query]; ok {
		return s, nil
	}
	s, err := tx.db.sqlDB.Prepare(query)
	if err != nil {
		return nil, wrapSQLError(err)
	}
	tx.db.stmts[query] = s
	return s, nil
}

// Locked acquires the database's exclusive mutex and a SQL transaction
// together (issuing "BEGIN IMMEDIATE"), runs fn, and commits on a nil
// return or rolls back otherwise. Exactly one such scope may be active at
// a time per DB; every entry/lookup/remove/xattr operation requires it.
//
// This is the direct translation of the source's RAII scoped-lock-plus-
// transaction guard into a Go closure: the caller supplies the body as a
// func(*Tx) error instead of relying on stack unwinding to pick
// COMMIT vs ROLLBACK.
func (db *DB) Locked(fn func(*Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.sqlDB.Exec("BEGIN IMMEDIATE"); err != nil {
		return wrapSQLError(err)
	}

	err := fn(&Tx{db: db})
	if err != nil {
		if _, rerr := db.sqlDB.Exec("ROLLBACK"); rerr != nil {
			treedbLog.WithError(rerr).Warn("rollback failed after closure error")
		} else {
			treedbLog.WithError(err).Debug("transaction rolled back")
		}
		return err
	}

	if _, cerr := db.sqlDB.Exec("COMMIT"); cerr != nil {
		treedbLog.WithError(cerr).Warn("commit failed")
		return wrapSQLError(cerr)
	}
	return nil
}

func wrapSQLError(err error) error {
	if err == nil {
		return nil
	}
	return securefs.NewSQLError(0, err)
}
