package verifier

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"Fairfy-Chain/deploy/migrations"
	"Fairfy-Chain/internal/merkle"
)

var embeddedMigrations fs.ReadFileFS = migrations.Files

const createSchemaMigrationsSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(128) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// schemaStep 是一个迁移文件：版本取文件名前缀，校验和为文件内容的 BLAKE3。
type schemaStep struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 按版本顺序执行未应用的迁移。已应用版本的文件内容发生变化时拒绝启动。
func (s *MySQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaMigrationsSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := s.appliedChecksums(ctx)
	if err != nil {
		return err
	}
	steps, err := loadSchemaSteps(embeddedMigrations)
	if err != nil {
		return err
	}

	for _, step := range steps {
		sum, ok := applied[step.version]
		if ok {
			if sum != step.checksum {
				return fmt.Errorf("迁移 %s 已应用但内容已变更 (记录 %s, 当前 %s)", step.name, sum, step.checksum)
			}
			continue
		}
		if err := s.applyStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

// applyStep 在单个事务内执行一个迁移文件并记录版本。
// MySQL 的 DDL 会隐式提交，失败的文件需要人工确认后重跑。
func (s *MySQLStore) applyStep(ctx context.Context, step schemaStep) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i, stmt := range step.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", step.name, i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
			step.version, step.name, step.checksum, time.Now().Unix()); err != nil {
			return fmt.Errorf("记录迁移版本 %s 失败: %w", step.version, err)
		}
		return nil
	})
}

func (s *MySQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadSchemaSteps(fsys fs.ReadFileFS) ([]schemaStep, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	steps := make([]schemaStep, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		content, err := fsys.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := sqlStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := stepVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本重复", name, prev)
		}
		seen[version] = name
		steps = append(steps, schemaStep{
			version:    version,
			name:       name,
			checksum:   merkle.HashChunk(content).PlainHex(),
			statements: statements,
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// sqlStatements 去掉 "--" 注释行后按分号切分语句。
func sqlStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func stepVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
