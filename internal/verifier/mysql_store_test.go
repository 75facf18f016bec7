package verifier

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/go-sql-driver/mysql"

	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/internal/protocol"
)

func TestMySQLStoreRunMigrations(t *testing.T) {
	t.Parallel()

	steps := readSchemaSteps()
	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{columns: []string{"version", "checksum"}}),
	}
	for _, step := range steps {
		ops = append(ops, beginOp())
		for _, stmt := range step.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}

	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := newMySQLStore(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMySQLStoreSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	var applied [][]driver.Value
	for _, step := range readSchemaSteps() {
		applied = append(applied, []driver.Value{step.version, step.checksum})
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  applied,
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMySQLStoreRejectsChangedMigration(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createSchemaMigrationsSQL, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", strings.Repeat("0", 64)}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	err := store.runMigrations(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_create_verifier.sql") {
		t.Fatalf("expected checksum drift error, got %v", err)
	}
}

func TestLoadSchemaSteps(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_more.sql":  {Data: []byte("-- note; with semicolon\nALTER TABLE t ADD COLUMN c INT;\n")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0003_empty.sql": {Data: []byte("-- nothing\n")},
		"README.md":      {Data: []byte("ignored")},
	}
	steps, err := loadSchemaSteps(fsys)
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	if len(steps) != 2 || steps[0].version != "0001" || steps[1].version != "0002" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	if len(steps[0].statements) != 2 || len(steps[1].statements) != 1 {
		t.Fatalf("unexpected statements: %q %q", steps[0].statements, steps[1].statements)
	}
	if steps[1].statements[0] != "ALTER TABLE t ADD COLUMN c INT" {
		t.Fatalf("comment not stripped: %q", steps[1].statements[0])
	}
	if len(steps[0].checksum) != 64 || steps[0].checksum == steps[1].checksum {
		t.Fatalf("unexpected checksums: %s %s", steps[0].checksum, steps[1].checksum)
	}

	fsys["0002_dup.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := loadSchemaSteps(fsys); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}

func TestMySQLStoreCreateConflict(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertJobSQL(), err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	err := store.Create(context.Background(), &Job{ID: "job-1", Kind: KindCommit, Round: "r", Status: StatusPending, MaxRetries: 3})
	if !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(claimJobSQL(), mockResult{rowsAffected: 1}),
		queryOp(selectJobSQL(), jobRow("job-1", StatusRunning, 1, 3, nil)),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	job, err := store.Claim(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 || job.Kind != KindReveal {
		t.Fatalf("unexpected job: %+v", job)
	}
	if string(job.Payload) != `{"round":"r"}` {
		t.Fatalf("unexpected payload: %s", job.Payload)
	}
}

func TestMySQLStoreClaimRejectsFinishedJobs(t *testing.T) {
	t.Parallel()

	verdict := `{"accepted":true,"baseline_diffs":-1}`
	cases := []struct {
		name   string
		status Status
		want   error
		raw    any
	}{
		{"succeeded", StatusSucceeded, ErrJobCompleted, verdict},
		{"failed", StatusFailed, ErrJobExhausted, nil},
		{"running", StatusRunning, ErrJobConflict, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, driver := newMockDB(t, []mockOperation{
				execOp(claimJobSQL(), mockResult{rowsAffected: 0}),
				queryOp(selectJobSQL(), jobRow("job-1", tc.status, 1, 3, tc.raw)),
			})
			defer driver.assertConsumed(t)
			defer db.Close()

			store := &MySQLStore{db: db}
			job, err := store.Claim(context.Background(), "job-1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.raw != nil && (job.Verdict == nil || !job.Verdict.Accepted) {
				t.Fatalf("verdict not decoded: %+v", job)
			}
		})
	}
}

func TestMySQLStoreGetNotFound(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectJobSQL(), mockRowsData{columns: jobColumnNames()}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

const (
	lockCommitmentSQL   = `SELECT root, rejected FROM commitments WHERE round = ? FOR UPDATE`
	countOtherRootsSQL  = `SELECT COUNT(*) FROM commitments WHERE root = ? AND round <> ? AND rejected = ''`
	insertCommitmentSQL = `INSERT INTO commitments (round, root, leaves, rejected, created_at) VALUES (?, ?, ?, '', ?)`
	updateCommitmentSQL = `UPDATE commitments SET root = ?, leaves = ?, rejected = '' WHERE round = ?`
	selectCommitmentSQL = `SELECT root, leaves, rejected FROM commitments WHERE round = ?`
)

func commitmentFixture() protocol.Commitment {
	leaves := []merkle.Hash{merkle.HashChunk([]byte("a")), merkle.HashChunk([]byte("b"))}
	return protocol.Commitment{Round: "round-2", Root: merkle.HashPair(leaves[0], leaves[1]), Leaves: leaves}
}

func countRows(n int64) mockRowsData {
	return mockRowsData{columns: []string{"count"}, values: [][]driver.Value{{n}}}
}

func lockedRow(root merkle.Hash, rejected string) mockRowsData {
	return mockRowsData{columns: []string{"root", "rejected"}, values: [][]driver.Value{{root[:], rejected}}}
}

func TestMySQLStoreSaveCommitment(t *testing.T) {
	t.Parallel()

	c := commitmentFixture()
	other := merkle.HashChunk([]byte("other"))
	cases := []struct {
		name     string
		ops      []mockOperation
		repeated bool
		want     error
	}{
		{
			name: "new round with repeated root",
			ops: []mockOperation{
				beginOp(),
				queryOp(lockCommitmentSQL, mockRowsData{columns: []string{"root", "rejected"}}),
				queryOp(countOtherRootsSQL, countRows(1)),
				execOp(insertCommitmentSQL, mockResult{rowsAffected: 1}),
				commitOp(),
			},
			repeated: true,
		},
		{
			name: "same root resubmitted",
			ops: []mockOperation{
				beginOp(),
				queryOp(lockCommitmentSQL, lockedRow(c.Root, "")),
				queryOp(countOtherRootsSQL, countRows(0)),
				commitOp(),
			},
		},
		{
			name: "rejected marker replaced",
			ops: []mockOperation{
				beginOp(),
				queryOp(lockCommitmentSQL, lockedRow(merkle.Hash{}, protocol.ReasonRootMismatch)),
				queryOp(countOtherRootsSQL, countRows(0)),
				execOp(updateCommitmentSQL, mockResult{rowsAffected: 1}),
				commitOp(),
			},
		},
		{
			name: "different root refused",
			ops: []mockOperation{
				beginOp(),
				queryOp(lockCommitmentSQL, lockedRow(other, "")),
				rollbackOp(),
			},
			want: ErrRoundCommitted,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, driver := newMockDB(t, tc.ops)
			defer driver.assertConsumed(t)
			defer db.Close()

			store := &MySQLStore{db: db}
			repeated, err := store.SaveCommitment(context.Background(), c)
			if tc.want != nil {
				if !errors.Is(err, tc.want) {
					t.Fatalf("expected %v, got %v", tc.want, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("save commitment failed: %v", err)
			}
			if repeated != tc.repeated {
				t.Fatalf("expected repeated=%v", tc.repeated)
			}
		})
	}
}

func TestMySQLStoreDefaultRoundReplacesCommitment(t *testing.T) {
	t.Parallel()

	c := commitmentFixture()
	c.Round = DefaultRound
	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockCommitmentSQL, lockedRow(merkle.HashChunk([]byte("previous")), "")),
		queryOp(countOtherRootsSQL, countRows(0)),
		execOp(updateCommitmentSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if _, err := store.SaveCommitment(context.Background(), c); err != nil {
		t.Fatalf("save commitment failed: %v", err)
	}
}

func TestMySQLStoreRejectCommitment(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT IGNORE INTO commitments (round, root, leaves, rejected, created_at) VALUES (?, ?, '', ?, ?)`, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if err := store.RejectCommitment(context.Background(), "round-1", protocol.ReasonRootMismatch); err != nil {
		t.Fatalf("reject commitment failed: %v", err)
	}
	if err := store.RejectCommitment(context.Background(), "", protocol.ReasonRootMismatch); err == nil {
		t.Fatalf("expected error for empty round")
	}
}

func TestMySQLStoreCommitment(t *testing.T) {
	t.Parallel()

	c := commitmentFixture()
	zero := merkle.Hash{}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectCommitmentSQL, mockRowsData{
			columns: []string{"root", "leaves", "rejected"},
			values:  [][]driver.Value{{c.Root[:], encodeLeaves(c.Leaves), ""}},
		}),
		queryOp(selectCommitmentSQL, mockRowsData{
			columns: []string{"root", "leaves", "rejected"},
			values:  [][]driver.Value{{zero[:], []byte{}, ReasonDeniedHash}},
		}),
		queryOp(selectCommitmentSQL, mockRowsData{columns: []string{"root", "leaves", "rejected"}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	got, err := store.Commitment(context.Background(), "round-2")
	if err != nil {
		t.Fatalf("commitment failed: %v", err)
	}
	if got.Root != c.Root || len(got.Leaves) != 2 || got.Leaves[1] != c.Leaves[1] || got.Rejected != "" {
		t.Fatalf("unexpected commitment: %+v", got)
	}
	marker, err := store.Commitment(context.Background(), "round-3")
	if err != nil || marker.Rejected != ReasonDeniedHash {
		t.Fatalf("expected rejected marker, got %+v %v", marker, err)
	}
	if _, err := store.Commitment(context.Background(), "round-x"); !errors.Is(err, ErrCommitmentUnknown) {
		t.Fatalf("expected unknown commitment, got %v", err)
	}
}

func TestMySQLStoreStats(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM verifier_jobs`, mockRowsData{
			columns: []string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"},
			values:  [][]driver.Value{{int64(4), int64(1), int64(0), int64(2), int64(1), int64(10), int64(20)}},
		}),
		queryOp(`SELECT COUNT(DISTINCT root) FROM commitments WHERE rejected = ''`, mockRowsData{
			columns: []string{"count"},
			values:  [][]driver.Value{{int64(3)}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 2 || stats.NewestUpdatedAt != 20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	roots, err := store.RecordedRoots(context.Background())
	if err != nil || roots != 3 {
		t.Fatalf("unexpected roots: %d %v", roots, err)
	}
}

func TestDecodeLeavesRejectsTruncatedData(t *testing.T) {
	if _, err := decodeLeaves(make([]byte, merkle.HashSize+1)); err == nil {
		t.Fatalf("expected error")
	}
}

func insertJobSQL() string {
	return `INSERT INTO verifier_jobs
        (id, kind, round, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
}

func claimJobSQL() string {
	return `UPDATE verifier_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
}

func selectJobSQL() string {
	return `SELECT ` + jobColumns + ` FROM verifier_jobs WHERE id = ?`
}

func jobColumnNames() []string {
	return strings.Split(strings.ReplaceAll(jobColumns, " ", ""), ",")
}

func jobRow(id string, status Status, attempts, maxRetries int64, verdict any) mockRowsData {
	return mockRowsData{
		columns: jobColumnNames(),
		values: [][]driver.Value{{
			id, string(KindReveal), "r", []byte(`{"round":"r"}`), string(status),
			attempts, maxRetries, nil, "", verdict, int64(1), int64(2),
		}},
	}
}

func readSchemaSteps() []schemaStep {
	steps, err := loadSchemaSteps(embeddedMigrations)
	if err != nil {
		panic(fmt.Sprintf("failed to read migrations: %v", err))
	}
	if len(steps) < 2 {
		panic("expected at least two migration files")
	}
	return steps
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
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
	name := fmt.Sprintf("mock-verifier-mysql-%d", driverSeq.Add(1))
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

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

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
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
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
