package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "SafeTx-Relay/internal/errors"

	"github.com/go-sql-driver/mysql"
)

func TestMySQLStoreCreateAndClaim(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO relay_jobs
        (id, chain, safe_address, request, status, stage, attempts, max_retries, last_error, error_code, sent, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', ?, ?, '', '', 0, ?, ?)`, mockResult{rowsAffected: 1}),
		execOp(`UPDATE relay_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, stage = '', last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT `+jobColumns+` FROM relay_jobs WHERE id = ?`, jobRows(
			[]driver.Value{"job-1", "local", safeA, `{"to":"` + safeB + `","value":"1"}`, "running", "", int64(1), int64(3), nil, "", int64(0), nil, int64(10), int64(11)},
		)),
	})
	defer db.Close()

	store, err := NewMySQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	job := newTestJob("job-1", strings.ToUpper(safeA[:2])+safeA[2:])
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.CreatedAt == 0 || job.UpdatedAt != job.CreatedAt {
		t.Fatalf("timestamps not assigned: %+v", job)
	}

	claimed, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 || claimed.Sent {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	if claimed.Request.To != safeB || claimed.Request.Value != "1" {
		t.Fatalf("request not decoded: %+v", claimed.Request)
	}
	drv.assertConsumed(t)
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer db.Close()

	store, _ := NewMySQLStore(db)
	err := store.Create(context.Background(), newTestJob("job-1", safeA))
	if !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestMySQLStoreClaimExhausted(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, result: mockResult{rowsAffected: 0}},
		{typ: opQuery, rows: jobRows(
			[]driver.Value{"job-1", "local", safeA, `{}`, "failed", "relay", int64(1), int64(1), "reverted", "RELAY_FAILED", int64(1), `{"tx_hash":"0xtx"}`, int64(10), int64(12)},
		)},
	})
	defer db.Close()

	store, _ := NewMySQLStore(db)
	job, err := store.Claim(context.Background(), "job-1")
	if !IsJobError(err, CodeJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if job == nil || !job.Sent || job.Result == nil || job.Result.TxHash != "0xtx" || job.LastError != "reverted" {
		t.Fatalf("unexpected job snapshot: %+v", job)
	}
	drv.assertConsumed(t)
}

func TestMySQLStoreMarkFailedTerminal(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`UPDATE relay_jobs SET status = ?, stage = ?, last_error = ?, error_code = ?, sent = sent OR ?, updated_at = ?,
        max_retries = LEAST(max_retries, attempts), safe_tx_hash = ?, tx_hash = ?, result = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		execOp(`UPDATE relay_jobs SET status = ?, stage = ?, last_error = ?, error_code = ?, sent = sent OR ?, updated_at = ? WHERE id = ?`,
			mockResult{rowsAffected: 0}),
	})
	defer db.Close()

	store, _ := NewMySQLStore(db)
	ctx := context.Background()

	err := store.MarkFailed(ctx, "job-1", Failure{
		Code:     xerrors.CodeRelay,
		Stage:    "relay",
		Message:  "execution reverted",
		Sent:     true,
		Terminal: true,
		Partial:  &RelayResult{SafeTxHash: "0xsafe", TxHash: "0xtx"},
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	err = store.MarkFailed(ctx, "missing", Failure{Code: xerrors.CodeValidation, Stage: "validate", Message: "bad"})
	if !IsJobError(err, CodeJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestMySQLStoreStatsWithFilters(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(sent), 0) AS sent,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM relay_jobs WHERE status IN (?,?) AND safe_address = ?`, mockRowsData{
			columns: []string{"total", "pending", "running", "succeeded", "failed", "sent", "oldest", "newest"},
			values:  [][]driver.Value{{int64(5), int64(0), int64(0), int64(3), int64(2), int64(4), int64(100), int64(200)}},
		}),
	})
	defer db.Close()

	store, _ := NewMySQLStore(db)
	stats, err := store.Stats(context.Background(), BuildListOptions(
		WithStatuses(StatusSucceeded, StatusFailed),
		WithSafe(strings.ToUpper(safeA)),
	))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Succeeded != 3 || stats.Failed != 2 || stats.Sent != 4 || stats.NewestUpdatedAt != 200 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	drv.assertConsumed(t)
}

func jobRows(values ...[]driver.Value) mockRowsData {
	return mockRowsData{
		columns: []string{"id", "chain", "safe_address", "request", "status", "stage", "attempts", "max_retries",
			"last_error", "error_code", "sent", "result", "created_at", "updated_at"},
		values: values,
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-relay-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("transactions not supported")
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
