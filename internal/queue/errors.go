package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite"
)

// ErrRequestExists reports an enqueue that collided with an already-stored
// request ID. It is wrapped in a SaveError naming the duplicate.
var ErrRequestExists = errors.New("request already exists")

// RequestError is the generic queue fault, used where no more specific kind
// applies (inspection queries, bulk delete).
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// SaveError reports that the queue could not persist an enqueue or a
// response. Request names the offending request when one is known.
type SaveError struct {
	Request *Request
	Err     error
}

func (e *SaveError) Error() string {
	if e.Request != nil {
		return fmt.Sprintf("save request %d: %v", e.Request.ID, e.Err)
	}
	return "save: " + e.Err.Error()
}

func (e *SaveError) Unwrap() error { return e.Err }

// HandleError reports that the injected Handler failed for a claimed
// request. The handle-pass transaction is rolled back.
type HandleError struct {
	RequestID int64
	Err       error
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("handle request %d: %v", e.RequestID, e.Err)
}

func (e *HandleError) Unwrap() error { return e.Err }

// RespondError reports a failed respond pass: a claim or mark/delete
// statement failed, or the Responder refused a delivery. The respond-pass
// transaction is rolled back and the affected rows stay claimable.
type RespondError struct {
	RequestID int64
	Err       error
}

func (e *RespondError) Error() string {
	if e.RequestID != 0 {
		return fmt.Sprintf("respond to request %d: %v", e.RequestID, e.Err)
	}
	return "respond: " + e.Err.Error()
}

func (e *RespondError) Unwrap() error { return e.Err }

// isDuplicateErr reports whether err is the dialect's unique-violation for
// the primary key. Postgres and SQLite are recognized by driver error types;
// the remaining dialects' drivers are not linked into this module, so their
// vendor error surface is matched by text.
func (d Dialect) isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// Extended sqlite result codes include the base code in the lower
		// 8 bits; 19 is SQLITE_CONSTRAINT.
		return sqliteErr.Code()&0xff == 19
	}
	msg := err.Error()
	switch d {
	case DialectOracle:
		return strings.Contains(msg, "ORA-00001")
	case DialectMySQL:
		return strings.Contains(msg, "Error 1062") || strings.Contains(msg, "Duplicate entry")
	case DialectSQLServer:
		return strings.Contains(msg, "Violation of PRIMARY KEY") || strings.Contains(msg, "2627")
	case DialectDB2:
		return strings.Contains(msg, "SQLSTATE=23505")
	}
	return false
}
