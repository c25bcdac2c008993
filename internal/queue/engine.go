package queue

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine orchestrates one queue table. It is safe for concurrent use; every
// public call checks out its own connection from db and holds it only for
// the duration of the call.
type Engine struct {
	db        *sql.DB
	table     string
	dialect   Dialect
	handler   Handler
	responder Responder

	deleteAfterRespond bool
	handleLimit        int
	respondLimit       int

	logger *slog.Logger
	tracer trace.Tracer
	stmts  statements
}

type Option func(*Engine)

// WithDeleteAfterRespond deletes each row after its response is delivered
// instead of marking it notified.
func WithDeleteAfterRespond(v bool) Option {
	return func(e *Engine) { e.deleteAfterRespond = v }
}

// WithHandleLimit caps the rows claimed per Handle call.
func WithHandleLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.handleLimit = n
		}
	}
}

// WithRespondLimit caps the rows claimed per Respond call.
func WithRespondLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.respondLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine over db for the given table. The table must already
// exist; the engine never creates or alters schema. Both callbacks are
// required.
func New(db *sql.DB, table string, dialect Dialect, handler Handler, responder Responder, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("queue: nil db")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("queue: empty table name")
	}
	if !dialect.valid() {
		return nil, errors.New("queue: unknown dialect")
	}
	if handler == nil {
		return nil, errors.New("queue: nil handler")
	}
	if responder == nil {
		return nil, errors.New("queue: nil responder")
	}

	e := &Engine{
		db:           db,
		table:        table,
		dialect:      dialect,
		handler:      handler,
		responder:    responder,
		handleLimit:  1,
		respondLimit: 1,
		logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		tracer:       otel.Tracer("schlange/queue"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.stmts = buildStatements(e.table, e.dialect, e.handleLimit, e.respondLimit)
	return e, nil
}

// Add inserts a batch of new requests in one transaction. With failIfExists
// set, any duplicate ID fails the whole batch with a SaveError naming the
// duplicate; otherwise duplicates are silently dropped and the rest commit.
func (e *Engine) Add(ctx context.Context, reqs []Request, failIfExists bool) error {
	ctx, span := e.tracer.Start(ctx, "queue.add",
		trace.WithAttributes(attribute.Int("queue.batch_size", len(reqs))))
	defer span.End()

	e.logger.InfoContext(ctx, "queue_add_start", slog.Int("count", len(reqs)))
	if len(reqs) == 0 {
		e.logger.InfoContext(ctx, "queue_add_done", slog.Int("count", 0))
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return e.failAdd(ctx, &SaveError{Err: err})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, e.stmts.insertNew)
	if err != nil {
		return e.failAdd(ctx, &SaveError{Err: err})
	}
	defer stmt.Close()

	for i := range reqs {
		res, err := stmt.ExecContext(ctx, reqs[i].ID, notNil(reqs[i].Data))
		if err != nil {
			if e.dialect.isDuplicateErr(err) {
				if failIfExists {
					return e.failAdd(ctx, &SaveError{Request: &reqs[i], Err: ErrRequestExists})
				}
				continue
			}
			return e.failAdd(ctx, &SaveError{Request: &reqs[i], Err: err})
		}
		n, err := res.RowsAffected()
		if err != nil {
			return e.failAdd(ctx, &SaveError{Err: err})
		}
		// A conflict clause swallows duplicates into a zero-row result.
		if n == 0 && failIfExists {
			return e.failAdd(ctx, &SaveError{Request: &reqs[i], Err: ErrRequestExists})
		}
	}

	if err := tx.Commit(); err != nil {
		return e.failAdd(ctx, &SaveError{Err: err})
	}
	committed = true
	e.logger.InfoContext(ctx, "queue_add_done", slog.Int("count", len(reqs)))
	return nil
}

// Handle claims up to the configured limit of new rows, runs the Handler
// for each and persists the responses, all in one transaction. It returns
// the number of requests handled.
func (e *Engine) Handle(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "queue.handle")
	defer span.End()

	e.logger.InfoContext(ctx, "queue_handle_start")

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, e.failHandle(ctx, &SaveError{Err: err})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// The claim select must be fully drained before anything else runs on
	// this transaction: a Tx owns a single connection.
	reqs, err := e.claimNew(ctx, tx)
	if err != nil {
		return 0, e.failHandle(ctx, &SaveError{Err: err})
	}

	handled := 0
	for _, req := range reqs {
		locked, err := e.relock(ctx, tx, e.stmts.relockNewByID, req.ID)
		if err != nil {
			return 0, e.failHandle(ctx, &SaveError{Err: err})
		}
		if !locked {
			// Another worker claimed the row between the unlocked batch
			// read and the re-lock.
			continue
		}
		resp, err := e.handler(ctx, req, tx)
		if err != nil {
			return 0, e.failHandle(ctx, &HandleError{RequestID: req.ID, Err: err})
		}
		if _, err := tx.ExecContext(ctx, e.stmts.saveResponse, resp.Code, notNil(resp.Data), req.ID); err != nil {
			return 0, e.failHandle(ctx, &SaveError{Request: &Request{ID: req.ID, Data: req.Data}, Err: err})
		}
		handled++
	}

	if err := tx.Commit(); err != nil {
		return 0, e.failHandle(ctx, &SaveError{Err: err})
	}
	committed = true
	span.SetAttributes(attribute.Int("queue.handled", handled))
	e.logger.InfoContext(ctx, "queue_handle_done", slog.Int("handled", handled))
	return handled, nil
}

// Respond claims up to the configured limit of handled rows, delivers each
// response through the Responder and marks the row notified (or deletes
// it), all in one transaction. It returns the number of responses
// delivered.
func (e *Engine) Respond(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "queue.respond")
	defer span.End()

	e.logger.InfoContext(ctx, "queue_respond_start")

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, e.failRespond(ctx, &RespondError{Err: err})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	handled, err := e.claimHandled(ctx, tx)
	if err != nil {
		return 0, e.failRespond(ctx, &RespondError{Err: err})
	}

	delivered := 0
	for _, h := range handled {
		locked, err := e.relock(ctx, tx, e.stmts.relockHandledByID, h.id)
		if err != nil {
			return 0, e.failRespond(ctx, &RespondError{RequestID: h.id, Err: err})
		}
		if !locked {
			continue
		}
		if err := e.responder(ctx, h.id, h.resp); err != nil {
			return 0, e.failRespond(ctx, &RespondError{RequestID: h.id, Err: err})
		}
		final := e.stmts.markNotified
		if e.deleteAfterRespond {
			final = e.stmts.deleteOne
		}
		if _, err := tx.ExecContext(ctx, final, h.id); err != nil {
			return 0, e.failRespond(ctx, &RespondError{RequestID: h.id, Err: err})
		}
		delivered++
	}

	if err := tx.Commit(); err != nil {
		return 0, e.failRespond(ctx, &RespondError{Err: err})
	}
	committed = true
	span.SetAttributes(attribute.Int("queue.delivered", delivered))
	e.logger.InfoContext(ctx, "queue_respond_done", slog.Int("delivered", delivered))
	return delivered, nil
}

// DeleteAll removes every row from the queue table and returns the number
// of rows deleted.
func (e *Engine) DeleteAll(ctx context.Context) (int64, error) {
	e.logger.InfoContext(ctx, "queue_delete_all")
	res, err := e.db.ExecContext(ctx, e.stmts.deleteAll)
	if err != nil {
		err = &RequestError{Op: "delete all", Err: err}
		e.logger.ErrorContext(ctx, "queue_delete_all_failed", slog.Any("err", err))
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		err = &RequestError{Op: "delete all", Err: err}
		e.logger.ErrorContext(ctx, "queue_delete_all_failed", slog.Any("err", err))
		return 0, err
	}
	e.logger.InfoContext(ctx, "queue_delete_all_done", slog.Int64("deleted", n))
	return n, nil
}

// NotHandledRequestIDs lists rows still waiting for a handle pass.
func (e *Engine) NotHandledRequestIDs(ctx context.Context) ([]int64, error) {
	return e.selectIDs(ctx, "list not handled", e.stmts.selectNewIDs)
}

// NotNotifiedRequestIDs lists handled rows whose response has not been
// delivered yet.
func (e *Engine) NotNotifiedRequestIDs(ctx context.Context) ([]int64, error) {
	return e.selectIDs(ctx, "list not notified", e.stmts.selectHandledIDs)
}

// NotifiedRequestIDs lists rows whose response has been delivered.
func (e *Engine) NotifiedRequestIDs(ctx context.Context) ([]int64, error) {
	return e.selectIDs(ctx, "list notified", e.stmts.selectNotifiedIDs)
}

func (e *Engine) claimNew(ctx context.Context, tx *sql.Tx) ([]Request, error) {
	rows, err := tx.QueryContext(ctx, e.stmts.claimNewBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Request, 0, e.handleLimit)
	for rows.Next() {
		var req Request
		if err := rows.Scan(&req.ID, &req.Data); err != nil {
			return nil, err
		}
		req.Data = notNil(req.Data)
		out = append(out, req)
	}
	return out, rows.Err()
}

type handledRow struct {
	id   int64
	resp Response
}

func (e *Engine) claimHandled(ctx context.Context, tx *sql.Tx) ([]handledRow, error) {
	rows, err := tx.QueryContext(ctx, e.stmts.claimHandledBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]handledRow, 0, e.respondLimit)
	for rows.Next() {
		var h handledRow
		if err := rows.Scan(&h.id, &h.resp.Code, &h.resp.Data); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// relock re-selects one claimed row with the dialect's single-row lock
// clause. On dialects without a single-row lock clause (every dialect but
// Oracle) it is a no-op. A false result means a peer worker holds or already
// advanced the row.
func (e *Engine) relock(ctx context.Context, tx *sql.Tx, query string, requestID int64) (bool, error) {
	if !e.dialect.needsRowLock() {
		return true, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, query, requestID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) selectIDs(ctx context.Context, op, query string) ([]int64, error) {
	e.logger.InfoContext(ctx, "queue_select_ids_start", slog.String("op", op))
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		err = &RequestError{Op: op, Err: err}
		e.logger.ErrorContext(ctx, "queue_select_ids_failed", slog.Any("err", err))
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			err = &RequestError{Op: op, Err: err}
			e.logger.ErrorContext(ctx, "queue_select_ids_failed", slog.Any("err", err))
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		err = &RequestError{Op: op, Err: err}
		e.logger.ErrorContext(ctx, "queue_select_ids_failed", slog.Any("err", err))
		return nil, err
	}
	e.logger.InfoContext(ctx, "queue_select_ids_done", slog.String("op", op), slog.Int("count", len(ids)))
	return ids, nil
}

func (e *Engine) failAdd(ctx context.Context, err error) error {
	e.logger.ErrorContext(ctx, "queue_add_failed", slog.Any("err", err))
	return err
}

func (e *Engine) failHandle(ctx context.Context, err error) error {
	e.logger.ErrorContext(ctx, "queue_handle_failed", slog.Any("err", err))
	return err
}

func (e *Engine) failRespond(ctx context.Context, err error) error {
	e.logger.ErrorContext(ctx, "queue_respond_failed", slog.Any("err", err))
	return err
}

func notNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
