package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SagaStep 步骤台账行：前向步骤的每轮重试共用一行（attempt 递增），
// 每个补偿动作单独一行。
type SagaStep struct {
	ID            int64  `json:"id"`
	TransactionID string `json:"transactionId"`
	StepName      string `json:"stepName"`
	Status        string `json:"status"`
	Attempt       int    `json:"attempt"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

// SagaStepRepository 步骤台账仓储
type SagaStepRepository struct {
	db *sql.DB
}

// NewSagaStepRepository 创建仓储
func NewSagaStepRepository(db *sql.DB) *SagaStepRepository {
	return &SagaStepRepository{db: db}
}

// CreateStep 新增台账行
func (r *SagaStepRepository) CreateStep(ctx context.Context, step *SagaStep) error {
	now := time.Now().UnixMilli()
	if step.CreatedAtMs == 0 {
		step.CreatedAtMs = now
	}
	if step.UpdatedAtMs == 0 {
		step.UpdatedAtMs = now
	}

	query := `
		INSERT INTO ewallet_payment.saga_steps
			(id, transaction_id, step_name, status, attempt, error_message, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		step.ID, step.TransactionID, step.StepName, step.Status, step.Attempt,
		step.ErrorMessage, step.CreatedAtMs, step.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert saga step: %w", err)
	}
	return nil
}

// UpdateStep 更新状态/尝试次数/错误信息
func (r *SagaStepRepository) UpdateStep(ctx context.Context, step *SagaStep) error {
	query := `
		UPDATE ewallet_payment.saga_steps
		SET status = $2, attempt = $3, error_message = $4, updated_at_ms = $5
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		step.ID, step.Status, step.Attempt, step.ErrorMessage, step.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("update saga step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByTransaction 按创建顺序列出事务的全部台账行
func (r *SagaStepRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	query := `
		SELECT id, transaction_id, step_name, status, attempt, error_message, created_at_ms, updated_at_ms
		FROM ewallet_payment.saga_steps
		WHERE transaction_id = $1
		ORDER BY created_at_ms ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query saga steps: %w", err)
	}
	defer rows.Close()

	var steps []*SagaStep
	for rows.Next() {
		var s SagaStep
		if err := rows.Scan(
			&s.ID, &s.TransactionID, &s.StepName, &s.Status, &s.Attempt,
			&s.ErrorMessage, &s.CreatedAtMs, &s.UpdatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan saga step: %w", err)
		}
		steps = append(steps, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

// CreateStepTableSQL 步骤台账表结构
const CreateStepTableSQL = `
CREATE TABLE IF NOT EXISTS ewallet_payment.saga_steps (
  id BIGINT PRIMARY KEY,
  transaction_id TEXT NOT NULL,
  step_name VARCHAR(64) NOT NULL,
  status VARCHAR(32) NOT NULL,
  attempt INT NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_steps_tx ON ewallet_payment.saga_steps(transaction_id, created_at_ms);
CREATE INDEX IF NOT EXISTS idx_saga_steps_status ON ewallet_payment.saga_steps(status);
`
