package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/notify"
)

const insertTransitionSQL = `INSERT IGNORE INTO intent_transitions
    (boot_id, seq, intent_id, role, from_state, to_state, trigger_name, reason, detail, attempt, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectByIntentSQL = `SELECT seq, intent_id, role, from_state, to_state, trigger_name, reason, detail, attempt, occurred_at
    FROM intent_transitions WHERE intent_id = ? ORDER BY id ASC LIMIT ?`

// Journal 把状态变更通知写入 intent_transitions 表，实现 notify.Sink。
// 每次进程启动生成新的 boot_id，(boot_id, seq) 唯一，重复投递被忽略。
type Journal struct {
	db     *sql.DB
	bootID string
}

// NewJournal 建立连接，按需执行迁移。
func NewJournal(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化通知流水表失败")
	}
	j := &Journal{db: db, bootID: uuid.NewString()}
	if cfg.AutoMigrate {
		if err := j.runMigrations(ctx); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return j, nil
}

// Name 实现 notify.Sink。
func (j *Journal) Name() string { return "mysql" }

// BootID 返回本次进程的流水批次标识。
func (j *Journal) BootID() string { return j.bootID }

// Deliver 写入一条流水。
func (j *Journal) Deliver(ctx context.Context, n notify.Notification) error {
	_, err := j.db.ExecContext(ctx, insertTransitionSQL,
		j.bootID,
		n.Seq,
		n.IntentID,
		n.Role,
		n.From,
		n.To,
		n.Trigger,
		n.Reason,
		n.Detail,
		n.Attempt,
		n.Timestamp.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入意图 %s 的流水失败", n.IntentID))
	}
	return nil
}

// ListByIntent 按写入顺序返回某个意图的流水，供运维排查。
func (j *Journal) ListByIntent(ctx context.Context, intentID string, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, selectByIntentSQL, intentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意图流水失败")
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var (
			n          notify.Notification
			occurredAt int64
		)
		if err := rows.Scan(&n.Seq, &n.IntentID, &n.Role, &n.From, &n.To, &n.Trigger, &n.Reason, &n.Detail, &n.Attempt, &occurredAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析意图流水失败")
		}
		n.Timestamp = time.UnixMilli(occurredAt).UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历意图流水失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
