// Package queue implements a durable, multi-consumer work queue whose state
// of record is a single relational-database table.
//
// Producers enqueue requests under caller-assigned 64-bit IDs. Worker
// processes run two passes against the table: Handle claims new rows, runs
// the injected Handler and persists its response in the same transaction;
// Respond claims handled rows, pushes each response through the injected
// Responder and marks the row notified (or deletes it). Row-level locking
// with skip-locked semantics keeps concurrent workers on disjoint row sets
// without any coordination outside the database.
package queue

import (
	"context"
	"database/sql"
)

// Request is one unit of work. The ID is assigned by the caller and must be
// unique within the queue table. Data is opaque to the queue and never nil
// once persisted.
type Request struct {
	ID   int64
	Data []byte
}

// Response is the result of handling a Request. Code is interpreted by the
// embedder; the queue only cares that a persisted row with a non-null code
// counts as handled.
type Response struct {
	Code int32
	Data []byte
}

// Handler computes the response for a claimed request. It runs inside the
// handle-pass transaction and may read or write additional application
// tables through tx; those writes commit or roll back together with the
// response row.
type Handler func(ctx context.Context, req Request, tx *sql.Tx) (Response, error)

// Responder delivers a persisted response to its consumer. It is the only
// queue step that touches systems outside the database, and it runs before
// the respond-pass transaction commits, so delivery is at-least-once: sinks
// must tolerate redelivery of the same request ID.
type Responder func(ctx context.Context, requestID int64, resp Response) error
