package verifier

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/internal/protocol"
)

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// Retries 为启动时 Ping 失败后的重试次数。
	Retries int
}

// MySQLStore 使用 MySQL 记录作业与承诺。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开连接池、执行迁移并返回存储。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	store, err := newMySQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newMySQLStore(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	for attempt := 0; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt >= cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
}

const jobColumns = `id, kind, round, payload, status, attempts, max_retries, last_error, error_code, verdict, created_at, updated_at`

// Create 插入新的作业记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}

	now := time.Now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	const stmt = `INSERT INTO verifier_jobs
        (id, kind, round, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		string(job.Kind),
		job.Round,
		job.Payload,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM verifier_jobs WHERE id = ?`, id)

	var (
		job       Job
		kind      string
		status    string
		lastError sql.NullString
		verdict   sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&job.Round,
		&job.Payload,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&verdict,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.LastError = lastError.String
	if verdict.Valid && verdict.String != "" {
		var v protocol.Verdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业判定失败")
		}
		job.Verdict = &v
	}
	return &job, nil
}

// Claim 将作业标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE verifier_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case StatusSucceeded:
		return job, ErrJobCompleted
	case StatusFailed:
		return job, ErrJobExhausted
	case StatusRunning:
		return job, ErrJobConflict
	default:
		if job.Attempts >= job.MaxRetries {
			return job, ErrJobExhausted
		}
		return job, ErrJobConflict
	}
}

// MarkSucceeded 写入判定。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, verdict protocol.Verdict) error {
	encoded, err := json.Marshal(verdict)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码判定失败")
	}
	const stmt = `UPDATE verifier_jobs SET status = ?, verdict = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), string(encoded), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态的失败回到 pending。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE verifier_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt, string(status), lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Stats 返回作业聚合信息。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM verifier_jobs`

	row := s.db.QueryRowContext(ctx, query,
		string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed))

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	return stats, nil
}

// SaveCommitment 在事务内锁定轮次行：已有不同根的有效承诺时拒绝写入（default 轮次除外），
// 拒绝标记与 default 轮次的旧承诺被覆盖，相同根的重复提交不改动记录。
func (s *MySQLStore) SaveCommitment(ctx context.Context, c protocol.Commitment) (bool, error) {
	if c.Round == "" || c.Rejected != "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "承诺缺少轮次或为拒绝标记")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启承诺事务失败")
	}

	var (
		prevRoot     []byte
		prevRejected string
		exists       = true
	)
	err = tx.QueryRowContext(ctx, `SELECT root, rejected FROM commitments WHERE round = ? FOR UPDATE`, c.Round).Scan(&prevRoot, &prevRejected)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		tx.Rollback()
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次承诺失败")
	}
	sameRoot := exists && string(prevRoot) == string(c.Root[:])
	if exists && prevRejected == "" && !sameRoot && c.Round != DefaultRound {
		tx.Rollback()
		return false, ErrRoundCommitted
	}

	var others int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM commitments WHERE root = ? AND round <> ? AND rejected = ''`, c.Root[:], c.Round).Scan(&others); err != nil {
		tx.Rollback()
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询重复根失败")
	}

	switch {
	case !exists:
		_, err = tx.ExecContext(ctx, `INSERT INTO commitments (round, root, leaves, rejected, created_at) VALUES (?, ?, ?, '', ?)`,
			c.Round, c.Root[:], encodeLeaves(c.Leaves), time.Now().Unix())
	case prevRejected != "" || !sameRoot:
		_, err = tx.ExecContext(ctx, `UPDATE commitments SET root = ?, leaves = ?, rejected = '' WHERE round = ?`,
			c.Root[:], encodeLeaves(c.Leaves), c.Round)
	}
	if err != nil {
		tx.Rollback()
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入承诺失败")
	}

	if err := tx.Commit(); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交承诺事务失败")
	}
	return others > 0, nil
}

// RejectCommitment 在轮次尚无记录时写入拒绝标记，已有记录时不做改动。
func (s *MySQLStore) RejectCommitment(ctx context.Context, round, reason string) error {
	if round == "" || reason == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "拒绝标记缺少轮次或原因")
	}
	var zero merkle.Hash
	if _, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO commitments (round, root, leaves, rejected, created_at) VALUES (?, ?, '', ?, ?)`,
		round, zero[:], reason, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入拒绝标记失败")
	}
	return nil
}

// Commitment 读取指定轮次的承诺或拒绝标记。
func (s *MySQLStore) Commitment(ctx context.Context, round string) (protocol.Commitment, error) {
	var (
		root, leaves []byte
		rejected     string
	)
	err := s.db.QueryRowContext(ctx, `SELECT root, leaves, rejected FROM commitments WHERE round = ?`, round).Scan(&root, &leaves, &rejected)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return protocol.Commitment{}, ErrCommitmentUnknown
		}
		return protocol.Commitment{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询承诺失败")
	}
	if rejected != "" {
		return protocol.RejectedCommitment(round, rejected), nil
	}
	if len(root) != merkle.HashSize {
		return protocol.Commitment{}, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("承诺根长度异常: %d", len(root)))
	}
	decoded, err := decodeLeaves(leaves)
	if err != nil {
		return protocol.Commitment{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析承诺叶子失败")
	}
	c := protocol.Commitment{Round: round, Leaves: decoded}
	copy(c.Root[:], root)
	return c, nil
}

// RecordedRoots 返回已记录的不同根数量。
func (s *MySQLStore) RecordedRoots(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT root) FROM commitments WHERE rejected = ''`).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计承诺根失败")
	}
	return count, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeLeaves(leaves []merkle.Hash) []byte {
	out := make([]byte, 0, len(leaves)*merkle.HashSize)
	for _, leaf := range leaves {
		out = append(out, leaf[:]...)
	}
	return out
}

func decodeLeaves(raw []byte) ([]merkle.Hash, error) {
	if len(raw)%merkle.HashSize != 0 {
		return nil, fmt.Errorf("叶子数据长度 %d 不是 %d 的整数倍", len(raw), merkle.HashSize)
	}
	leaves := make([]merkle.Hash, len(raw)/merkle.HashSize)
	for i := range leaves {
		copy(leaves[i][:], raw[i*merkle.HashSize:])
	}
	return leaves, nil
}

var _ Store = (*MySQLStore)(nil)
