package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the SQL variant the engine emits. It is fixed at engine
// construction.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectOracle
	DialectMySQL
	DialectSQLServer
	DialectDB2
	DialectSQLite
)

// markerStyle is the parameter-marker syntax a driver expects.
type markerStyle int

const (
	markerQuestion markerStyle = iota // ?        (MySQL, DB2, SQLite)
	markerDollar                      // $1, $2   (pgx)
	markerColon                       // :1, :2   (Oracle)
	markerAt                          // @p1, @p2 (SQL Server)
)

// limitForm is how the dialect bounds a claim select to N rows.
type limitForm int

const (
	limitFetchFirst limitForm = iota // FETCH FIRST n ROWS ONLY
	limitLimit                      // LIMIT n
)

// profile holds the SQL fragments that differ between databases. Everything
// else the engine emits is identical across dialects.
//
// Oracle cannot combine a row limit with SKIP LOCKED in one statement, so
// its batch claims carry no lock clause and every candidate row is re-locked
// individually (rowLock). The other dialects lock the whole batch in the
// claim select and leave rowLock empty.
type profile struct {
	batchLock      string
	rowLock        string
	insertConflict string
	markers        markerStyle
	limit          limitForm
}

var profiles = [...]profile{
	DialectPostgres:  {batchLock: "FOR UPDATE SKIP LOCKED", insertConflict: "ON CONFLICT DO NOTHING", markers: markerDollar},
	DialectOracle:    {rowLock: "FOR UPDATE SKIP LOCKED", markers: markerColon},
	DialectMySQL:     {batchLock: "FOR UPDATE SKIP LOCKED", markers: markerQuestion},
	DialectSQLServer: {batchLock: "FOR UPDATE READPAST", markers: markerAt},
	DialectDB2:       {batchLock: "FOR UPDATE SKIP LOCKED DATA", markers: markerQuestion},

	// SQLite has no row locks; writers serialize at the database level and
	// the response_code IS NULL save predicate keeps claims idempotent.
	DialectSQLite: {insertConflict: "ON CONFLICT DO NOTHING", markers: markerQuestion, limit: limitLimit},
}

func (d Dialect) valid() bool {
	return d >= DialectPostgres && d <= DialectSQLite
}

func (d Dialect) profile() profile {
	if !d.valid() {
		return profiles[DialectPostgres]
	}
	return profiles[d]
}

// needsRowLock reports whether batch claims are unlocked and each candidate
// row must be re-locked individually before it may be processed.
func (d Dialect) needsRowLock() bool {
	return d.profile().rowLock != ""
}

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectOracle:
		return "oracle"
	case DialectMySQL:
		return "mysql"
	case DialectSQLServer:
		return "sqlserver"
	case DialectDB2:
		return "db2"
	case DialectSQLite:
		return "sqlite"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// ParseDialect maps a configuration string to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "oracle":
		return DialectOracle, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlserver", "mssql":
		return DialectSQLServer, nil
	case "db2":
		return DialectDB2, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unknown dialect %q (use: postgres|oracle|mysql|sqlserver|db2|sqlite)", s)
	}
}

func (s markerStyle) marker(n int) string {
	switch s {
	case markerDollar:
		return "$" + strconv.Itoa(n)
	case markerColon:
		return ":" + strconv.Itoa(n)
	case markerAt:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

func (f limitForm) clause(n int) string {
	if f == limitLimit {
		return "LIMIT " + strconv.Itoa(n)
	}
	return "FETCH FIRST " + strconv.Itoa(n) + " ROWS ONLY"
}
