package mysql

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"time"

	"IntentMesh/deploy/migrations"
)

const createSchemaTableSQL = `CREATE TABLE IF NOT EXISTS journal_schema (
    version INT NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    applied_at BIGINT NOT NULL
)`

const currentVersionSQL = `SELECT COALESCE(MAX(version), 0) FROM journal_schema`

const recordVersionSQL = `INSERT INTO journal_schema (version, name, applied_at) VALUES (?, ?, ?)`

// 迁移文件名形如 0001_create_intent_transitions.sql。
var migrationName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.sql$`)

type schemaStep struct {
	version    int
	name       string
	statements []string
}

// runMigrations 把流水表升级到内嵌的最新版本。journal_schema 只记录最高版本，
// 数据库版本高于程序内嵌版本时拒绝启动。
func (j *Journal) runMigrations(ctx context.Context) error {
	steps, err := loadSchemaSteps(migrations.Files)
	if err != nil {
		return err
	}
	if _, err := j.db.ExecContext(ctx, createSchemaTableSQL); err != nil {
		return fmt.Errorf("创建 journal_schema 表失败: %w", err)
	}

	var current int
	if err := j.db.QueryRowContext(ctx, currentVersionSQL).Scan(&current); err != nil {
		return fmt.Errorf("读取流水表版本失败: %w", err)
	}
	latest := len(steps)
	if current > latest {
		return fmt.Errorf("流水表版本 %d 高于程序支持的版本 %d", current, latest)
	}

	for _, step := range steps[current:] {
		if err := j.applySchemaStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) applySchemaStep(ctx context.Context, step schemaStep) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range step.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("迁移 %04d_%s 失败: %w", step.version, step.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, recordVersionSQL, step.version, step.name, time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录流水表版本 %d 失败: %w", step.version, err)
	}
	return tx.Commit()
}

// loadSchemaSteps 读取迁移文件。版本必须从 1 开始连续编号。
func loadSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var steps []schemaStep
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		m := migrationName.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("迁移文件名 %s 不符合 NNNN_name.sql", entry.Name())
		}
		version, _ := strconv.Atoi(m[1])
		// ReadDir 按文件名排序，编号连续时 version 恰好等于下标加一。
		if want := len(steps) + 1; version != want {
			return nil, fmt.Errorf("迁移版本不连续: 期望 %04d，得到 %s", want, entry.Name())
		}
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", entry.Name(), err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			return nil, fmt.Errorf("迁移文件 %s 为空", entry.Name())
		}
		steps = append(steps, schemaStep{version: version, name: m[2], statements: statements})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("没有可用的迁移文件")
	}
	return steps, nil
}

// splitStatements 按分号拆分语句，忽略 -- 注释行。
func splitStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";"); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
