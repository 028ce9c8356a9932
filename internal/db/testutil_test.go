package db

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"voicegate/internal/types"
)

// testDeviceKey is a syntactically valid derived device key.
const testDeviceKey = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int:
			*v = row[i].(int)
		case *int64:
			*v = row[i].(int64)
		case *time.Time:
			*v = row[i].(time.Time)
		case **time.Time:
			if row[i] == nil {
				*v = nil
			} else {
				t := row[i].(time.Time)
				*v = &t
			}
		case **string:
			if row[i] == nil {
				*v = nil
			} else {
				s := row[i].(string)
				*v = &s
			}
		case *types.EventType:
			*v = row[i].(types.EventType)
		case *types.SubscriptionStatus:
			*v = row[i].(types.SubscriptionStatus)
		case *json.RawMessage:
			*v = row[i].(json.RawMessage)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- Fake quota transaction ---
//
// fakeQuotaTx implements pgx.Tx over an in-memory bucket table so the
// CheckAndIncrement transaction logic (open, lock, compare, increment,
// commit/rollback) runs against real state.

type fakeBucket struct {
	count         int
	limitSnapshot int
	touched       bool // an increment stamped updated_at
}

type fakeQuotaStore struct {
	buckets map[string]*fakeBucket // period_kind|period_key
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{buckets: make(map[string]*fakeBucket)}
}

func bucketID(kind, key any) string {
	return toStr(kind) + "|" + toStr(key)
}

func toStr(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case types.PeriodKind:
		return string(s)
	default:
		return ""
	}
}

type fakeQuotaTx struct {
	store      *fakeQuotaStore
	committed  bool
	rolledBack bool
	execErr    error
}

func (t *fakeQuotaTx) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	trimmed := strings.TrimSpace(sql)
	switch {
	case strings.HasPrefix(trimmed, "INSERT"):
		// (deviceKey, kind, key, limit)
		id := bucketID(arguments[1], arguments[2])
		if _, ok := t.store.buckets[id]; !ok {
			t.store.buckets[id] = &fakeBucket{limitSnapshot: arguments[3].(int)}
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.HasPrefix(trimmed, "UPDATE"):
		id := bucketID(arguments[1], arguments[2])
		bucket := t.store.buckets[id]
		bucket.count++
		if strings.Contains(trimmed, "updated_at = now()") {
			bucket.touched = true
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, nil
}

func (t *fakeQuotaTx) QueryRow(_ context.Context, _ string, arguments ...any) pgx.Row {
	id := bucketID(arguments[1], arguments[2])
	bucket := t.store.buckets[id]
	return &mockRow{scanFn: func(dest ...any) error {
		if bucket == nil {
			return pgx.ErrNoRows
		}
		*(dest[0].(*int)) = bucket.count
		*(dest[1].(*int)) = bucket.limitSnapshot
		return nil
	}}
}

func (t *fakeQuotaTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeQuotaTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

func (t *fakeQuotaTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeQuotaTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeQuotaTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeQuotaTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeQuotaTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeQuotaTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *fakeQuotaTx) Conn() *pgx.Conn                                         { return nil }

type fakeTxBeginner struct {
	store    *fakeQuotaStore
	beginErr error
	last     *fakeQuotaTx
}

func (b *fakeTxBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	b.last = &fakeQuotaTx{store: b.store}
	return b.last, nil
}
