package queue

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const sqliteTestSchema = `
CREATE TABLE IF NOT EXISTS test_task (
  request_id                      INTEGER PRIMARY KEY,
  request                         BLOB NOT NULL,
  response_code                   INTEGER,
  response                        BLOB,
  response_notification_timestamp TIMESTAMP
);
`

const postgresTestSchema = `
CREATE SCHEMA IF NOT EXISTS test;
CREATE TABLE IF NOT EXISTS test.test_task (
  request_id                      BIGINT PRIMARY KEY,
  request                         BYTEA NOT NULL,
  response_code                   INTEGER,
  response                        BYTEA,
  response_notification_timestamp TIMESTAMPTZ
);
`

type engineFixture struct {
	name    string
	dialect Dialect
	table   string
	open    func(t *testing.T) *sql.DB
}

func engineFixtures() []engineFixture {
	out := []engineFixture{
		{
			name:    "sqlite",
			dialect: DialectSQLite,
			table:   "test_task",
			open: func(t *testing.T) *sql.DB {
				t.Helper()
				db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schlange.db"))
				if err != nil {
					t.Fatalf("open sqlite: %v", err)
				}
				t.Cleanup(func() { _ = db.Close() })
				if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
					t.Fatalf("set busy_timeout: %v", err)
				}
				if _, err := db.Exec(sqliteTestSchema); err != nil {
					t.Fatalf("create sqlite schema: %v", err)
				}
				return db
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("SCHLANGE_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, engineFixture{
			name:    "postgres",
			dialect: DialectPostgres,
			table:   "test.test_task",
			open: func(t *testing.T) *sql.DB {
				t.Helper()
				db, err := sql.Open("pgx", dsn)
				if err != nil {
					t.Fatalf("open postgres: %v", err)
				}
				t.Cleanup(func() { _ = db.Close() })
				if _, err := db.Exec(postgresTestSchema); err != nil {
					t.Fatalf("create postgres schema: %v", err)
				}
				return db
			},
		})
	}

	return out
}

// testSink mirrors the queue's exchange from the embedder's side: a fixed
// response per request ID, handed out by the handler and checked off by the
// responder once delivered.
type testSink struct {
	t       *testing.T
	pending map[int64]Response
}

func newTestSink(t *testing.T, reqs []Request) *testSink {
	t.Helper()
	pending := make(map[int64]Response, len(reqs))
	for _, req := range reqs {
		pending[req.ID] = Response{
			Code: int32(req.ID),
			Data: []byte(fmt.Sprintf("response%d", req.ID)),
		}
	}
	return &testSink{t: t, pending: pending}
}

func (s *testSink) handle(_ context.Context, req Request, _ *sql.Tx) (Response, error) {
	resp, ok := s.pending[req.ID]
	if !ok {
		return Response{}, fmt.Errorf("no response prepared for request %d", req.ID)
	}
	return resp, nil
}

func (s *testSink) respond(_ context.Context, requestID int64, resp Response) error {
	want, ok := s.pending[requestID]
	if !ok {
		return fmt.Errorf("unexpected delivery for request %d", requestID)
	}
	if resp.Code != want.Code || !bytes.Equal(resp.Data, want.Data) {
		return fmt.Errorf("delivery mismatch for request %d: got %d/%q", requestID, resp.Code, resp.Data)
	}
	delete(s.pending, requestID)
	return nil
}

func newTestEngine(t *testing.T, fx engineFixture, sink *testSink, deleteAfterRespond bool, n, m int) *Engine {
	t.Helper()
	db := fx.open(t)
	eng, err := New(db, fx.table, fx.dialect, sink.handle, sink.respond,
		WithDeleteAfterRespond(deleteAfterRespond),
		WithHandleLimit(n),
		WithRespondLimit(m),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.DeleteAll(context.Background()); err != nil {
		t.Fatalf("reset table: %v", err)
	}
	return eng
}

func testRequests() []Request {
	return []Request{
		{ID: 0, Data: []byte("request0")},
		{ID: 1, Data: []byte("request1")},
	}
}

func wantIDs(t *testing.T, what string, got []int64, want ...int64) {
	t.Helper()
	sorted := append([]int64(nil), got...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) != len(want) {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
	for i := range want {
		if sorted[i] != want[i] {
			t.Fatalf("%s = %v, want %v", what, got, want)
		}
	}
}

func TestAddNewRequests(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			eng := newTestEngine(t, fx, newTestSink(t, reqs), false, 1, 1)

			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("add: %v", err)
			}
			ids, err := eng.NotHandledRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not handled: %v", err)
			}
			wantIDs(t, "not handled", ids, 0, 1)
		})
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			eng := newTestEngine(t, fx, newTestSink(t, reqs), false, 1, 1)

			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("first add: %v", err)
			}
			err := eng.Add(ctx, reqs, true)
			if err == nil {
				t.Fatal("second add: expected error")
			}
			if !errors.Is(err, ErrRequestExists) {
				t.Fatalf("second add: err = %v, want ErrRequestExists", err)
			}
			var saveErr *SaveError
			if !errors.As(err, &saveErr) {
				t.Fatalf("second add: err = %T, want *SaveError", err)
			}
			if saveErr.Request == nil || saveErr.Request.ID != 0 {
				t.Fatalf("second add: offending request = %+v, want ID 0", saveErr.Request)
			}

			ids, err := eng.NotHandledRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not handled: %v", err)
			}
			wantIDs(t, "not handled after duplicate add", ids, 0, 1)
		})
	}
}

func TestAddDuplicateTolerated(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			eng := newTestEngine(t, fx, newTestSink(t, reqs), false, 1, 1)

			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("first add: %v", err)
			}
			// Re-adding the same IDs plus one new row drops the duplicates
			// and commits the new row.
			batch := append(testRequests(), Request{ID: 2, Data: []byte("request2")})
			if err := eng.Add(ctx, batch, false); err != nil {
				t.Fatalf("tolerant add: %v", err)
			}
			ids, err := eng.NotHandledRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not handled: %v", err)
			}
			wantIDs(t, "not handled after tolerant add", ids, 0, 1, 2)
		})
	}
}

func TestHandleAndRespondOneByOne(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			sink := newTestSink(t, reqs)
			eng := newTestEngine(t, fx, sink, false, 1, 1)

			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("add: %v", err)
			}

			for i := 1; i <= 2; i++ {
				n, err := eng.Handle(ctx)
				if err != nil {
					t.Fatalf("handle %d: %v", i, err)
				}
				if n != 1 {
					t.Fatalf("handle %d: handled %d rows, want 1", i, n)
				}
				ids, err := eng.NotNotifiedRequestIDs(ctx)
				if err != nil {
					t.Fatalf("not notified: %v", err)
				}
				if len(ids) != i {
					t.Fatalf("after handle %d: %d handled rows, want %d", i, len(ids), i)
				}
			}

			for i := 1; i <= 2; i++ {
				n, err := eng.Respond(ctx)
				if err != nil {
					t.Fatalf("respond %d: %v", i, err)
				}
				if n != 1 {
					t.Fatalf("respond %d: delivered %d rows, want 1", i, n)
				}
				if len(sink.pending) != 2-i {
					t.Fatalf("after respond %d: %d undelivered responses, want %d", i, len(sink.pending), 2-i)
				}
			}

			ids, err := eng.NotNotifiedRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not notified: %v", err)
			}
			wantIDs(t, "not notified after final respond", ids)
		})
	}
}

func TestHandleAndRespondBatch(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			sink := newTestSink(t, reqs)
			eng := newTestEngine(t, fx, sink, false, 2, 2)

			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("add: %v", err)
			}

			n, err := eng.Handle(ctx)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if n != 2 {
				t.Fatalf("handle: handled %d rows, want 2", n)
			}

			n, err = eng.Respond(ctx)
			if err != nil {
				t.Fatalf("respond: %v", err)
			}
			if n != 2 {
				t.Fatalf("respond: delivered %d rows, want 2", n)
			}
			if len(sink.pending) != 0 {
				t.Fatalf("%d undelivered responses, want 0", len(sink.pending))
			}

			ids, err := eng.NotifiedRequestIDs(ctx)
			if err != nil {
				t.Fatalf("notified: %v", err)
			}
			wantIDs(t, "notified", ids, 0, 1)

			deleted, err := eng.DeleteAll(ctx)
			if err != nil {
				t.Fatalf("delete all: %v", err)
			}
			if deleted != 2 {
				t.Fatalf("delete all = %d, want 2", deleted)
			}
		})
	}
}

func TestDeleteAfterRespond(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			sink := newTestSink(t, reqs)
			eng := newTestEngine(t, fx, sink, true, 2, 2)

			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("add: %v", err)
			}
			if _, err := eng.Handle(ctx); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if _, err := eng.Respond(ctx); err != nil {
				t.Fatalf("respond: %v", err)
			}
			if len(sink.pending) != 0 {
				t.Fatalf("%d undelivered responses, want 0", len(sink.pending))
			}

			ids, err := eng.NotNotifiedRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not notified: %v", err)
			}
			wantIDs(t, "not notified", ids)

			deleted, err := eng.DeleteAll(ctx)
			if err != nil {
				t.Fatalf("delete all: %v", err)
			}
			if deleted != 0 {
				t.Fatalf("delete all = %d, want 0 (rows deleted on delivery)", deleted)
			}
		})
	}
}

func TestHandlerFailureRollsBack(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			db := fx.open(t)

			handlerErr := errors.New("boom")
			eng, err := New(db, fx.table, fx.dialect,
				func(context.Context, Request, *sql.Tx) (Response, error) {
					return Response{}, handlerErr
				},
				func(context.Context, int64, Response) error { return nil },
				WithHandleLimit(2),
			)
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			if _, err := eng.DeleteAll(ctx); err != nil {
				t.Fatalf("reset table: %v", err)
			}
			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("add: %v", err)
			}

			_, err = eng.Handle(ctx)
			var handleErr *HandleError
			if !errors.As(err, &handleErr) {
				t.Fatalf("handle: err = %v, want *HandleError", err)
			}
			if !errors.Is(err, handlerErr) {
				t.Fatalf("handle: err = %v, does not wrap handler error", err)
			}

			// Nothing committed: both rows are still claimable.
			ids, err := eng.NotHandledRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not handled: %v", err)
			}
			wantIDs(t, "not handled after failed pass", ids, 0, 1)
		})
	}
}

func TestResponderFailureKeepsRowsClaimable(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			reqs := testRequests()
			sink := newTestSink(t, reqs)
			db := fx.open(t)

			deliveryErr := errors.New("sink unavailable")
			failing := true
			eng, err := New(db, fx.table, fx.dialect, sink.handle,
				func(ctx context.Context, requestID int64, resp Response) error {
					if failing {
						return deliveryErr
					}
					return sink.respond(ctx, requestID, resp)
				},
				WithHandleLimit(2),
				WithRespondLimit(2),
			)
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			if _, err := eng.DeleteAll(ctx); err != nil {
				t.Fatalf("reset table: %v", err)
			}
			if err := eng.Add(ctx, reqs, true); err != nil {
				t.Fatalf("add: %v", err)
			}
			if _, err := eng.Handle(ctx); err != nil {
				t.Fatalf("handle: %v", err)
			}

			_, err = eng.Respond(ctx)
			var respondErr *RespondError
			if !errors.As(err, &respondErr) {
				t.Fatalf("respond: err = %v, want *RespondError", err)
			}
			if !errors.Is(err, deliveryErr) {
				t.Fatalf("respond: err = %v, does not wrap delivery error", err)
			}

			// The pass rolled back; the rows stay handled-but-unnotified and
			// a later pass redelivers them.
			ids, err := eng.NotNotifiedRequestIDs(ctx)
			if err != nil {
				t.Fatalf("not notified: %v", err)
			}
			wantIDs(t, "not notified after failed respond", ids, 0, 1)

			failing = false
			n, err := eng.Respond(ctx)
			if err != nil {
				t.Fatalf("retry respond: %v", err)
			}
			if n != 2 {
				t.Fatalf("retry respond delivered %d rows, want 2", n)
			}
			if len(sink.pending) != 0 {
				t.Fatalf("%d undelivered responses, want 0", len(sink.pending))
			}
		})
	}
}

func TestEmptyPassesAreNoOps(t *testing.T) {
	for _, fx := range engineFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			eng := newTestEngine(t, fx, newTestSink(t, nil), false, 2, 2)

			if n, err := eng.Handle(ctx); err != nil || n != 0 {
				t.Fatalf("handle on empty table = (%d, %v), want (0, nil)", n, err)
			}
			if n, err := eng.Respond(ctx); err != nil || n != 0 {
				t.Fatalf("respond on empty table = (%d, %v), want (0, nil)", n, err)
			}
			if err := eng.Add(ctx, nil, true); err != nil {
				t.Fatalf("add of empty batch: %v", err)
			}
		})
	}
}

func TestNewValidatesConfiguration(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schlange.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	handler := func(context.Context, Request, *sql.Tx) (Response, error) { return Response{}, nil }
	responder := func(context.Context, int64, Response) error { return nil }

	if _, err := New(nil, "t", DialectSQLite, handler, responder); err == nil {
		t.Error("nil db: expected error")
	}
	if _, err := New(db, "  ", DialectSQLite, handler, responder); err == nil {
		t.Error("empty table: expected error")
	}
	if _, err := New(db, "t", Dialect(99), handler, responder); err == nil {
		t.Error("unknown dialect: expected error")
	}
	if _, err := New(db, "t", DialectSQLite, nil, responder); err == nil {
		t.Error("nil handler: expected error")
	}
	if _, err := New(db, "t", DialectSQLite, handler, nil); err == nil {
		t.Error("nil responder: expected error")
	}
}
