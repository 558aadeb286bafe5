// Package audit 支付状态流转的追加审计轨迹。
// 默认异步写入，避免阻塞 saga 主链路（参照账务审计日志的落盘方式）。
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Entry 审计条目（只增不改）
type Entry struct {
	ID            int64  `json:"id"`
	TransactionID string `json:"transactionId"`
	Action        string `json:"action"`
	FromStatus    string `json:"fromStatus,omitempty"`
	ToStatus      string `json:"toStatus,omitempty"`
	Details       string `json:"details,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// Trail 审计轨迹写入器
type Trail struct {
	db *sql.DB

	insertQueue chan *Entry
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
}

type Option func(*options)

type options struct {
	queueSize  int
	workers    int
	onError    func(error)
	skipWorker bool
}

func WithQueueSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Record() 直接写数据库（测试用）。
func WithSynchronousWrite() Option {
	return func(o *options) {
		o.skipWorker = true
	}
}

// NewTrail 创建审计轨迹
func NewTrail(db *sql.DB, opts ...Option) (*Trail, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := options{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	t := &Trail{
		db:      db,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return t, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.insertQueue = make(chan *Entry, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-t.insertQueue:
					if item == nil {
						continue
					}
					if err := t.insert(ctx, item); err != nil {
						t.onError(err)
					}
				}
			}
		}()
	}

	return t, nil
}

// Close 停止后台写入协程
func (t *Trail) Close() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Record 记录一次状态变更。异步模式下队列满时丢弃并上报错误处理器，
// 绝不阻塞调用方。
func (t *Trail) Record(ctx context.Context, transactionID, action, fromStatus, toStatus, details string) {
	if t == nil || t.db == nil {
		return
	}

	entry := &Entry{
		TransactionID: transactionID,
		Action:        action,
		FromStatus:    fromStatus,
		ToStatus:      toStatus,
		Details:       details,
		CreatedAtMs:   time.Now().UnixMilli(),
	}

	if t.insertQueue == nil {
		if err := t.insert(ctx, entry); err != nil {
			t.onError(err)
		}
		return
	}

	select {
	case t.insertQueue <- entry:
	default:
		t.onError(errors.New("audit: queue full, entry dropped"))
	}
}

// ListByTransaction 按时间顺序返回事务的审计轨迹
func (t *Trail) ListByTransaction(ctx context.Context, transactionID string) ([]*Entry, error) {
	query := `
		SELECT id, transaction_id, action, from_status, to_status, details, created_at_ms
		FROM ewallet_payment.payment_audit_logs
		WHERE transaction_id = $1
		ORDER BY created_at_ms ASC, id ASC
	`
	rows, err := t.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.TransactionID, &e.Action, &e.FromStatus, &e.ToStatus, &e.Details, &e.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *Trail) insert(ctx context.Context, entry *Entry) error {
	const stmt = `
		INSERT INTO ewallet_payment.payment_audit_logs
			(transaction_id, action, from_status, to_status, details, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.db.ExecContext(ctx, stmt,
		entry.TransactionID, entry.Action, entry.FromStatus, entry.ToStatus, entry.Details, entry.CreatedAtMs,
	)
	return err
}

// CreateTableSQL 审计表结构（append-only）
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS ewallet_payment.payment_audit_logs (
  id BIGSERIAL PRIMARY KEY,
  transaction_id TEXT NOT NULL,
  action VARCHAR(64) NOT NULL,
  from_status VARCHAR(32) NOT NULL DEFAULT '',
  to_status VARCHAR(32) NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_audit_tx ON ewallet_payment.payment_audit_logs(transaction_id, created_at_ms);
`
