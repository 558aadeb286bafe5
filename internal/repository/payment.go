// Package repository 支付数据访问层
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrNotFound             = errors.New("not found")
)

// PaymentTransaction 支付事务
type PaymentTransaction struct {
	ID                 int64  `json:"id"`
	TransactionID      string `json:"transactionId"`
	CustomerID         string `json:"customerId"`
	MerchantID         string `json:"merchantId"`
	ProductName        string `json:"productName"`
	ProductDescription string `json:"productDescription,omitempty"`
	Amount             string `json:"amount"` // 十进制字符串
	Currency           string `json:"currency"`
	Status             string `json:"status"`
	CurrentStep        string `json:"currentStep"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	CreatedAtMs        int64  `json:"createdAtMs"`
	UpdatedAtMs        int64  `json:"updatedAtMs"`
}

// PaymentRepository 支付事务仓储
type PaymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository 创建仓储
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// CreatePayment 创建支付事务。transaction_id 唯一约束冲突返回 ErrDuplicateTransaction。
func (r *PaymentRepository) CreatePayment(ctx context.Context, p *PaymentTransaction) error {
	now := time.Now().UnixMilli()
	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = now
	}
	p.UpdatedAtMs = now

	query := `
		INSERT INTO ewallet_payment.payment_transactions
			(id, transaction_id, customer_id, merchant_id, product_name, product_description,
			 amount, currency, status, current_step, error_message, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.TransactionID, p.CustomerID, p.MerchantID, p.ProductName, p.ProductDescription,
		p.Amount, p.Currency, p.Status, p.CurrentStep, p.ErrorMessage, p.CreatedAtMs, p.UpdatedAtMs,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// ExistsByTransactionID 幂等检查
func (r *PaymentRepository) ExistsByTransactionID(ctx context.Context, transactionID string) (bool, error) {
	query := `SELECT 1 FROM ewallet_payment.payment_transactions WHERE transaction_id = $1`
	var one int
	err := r.db.QueryRowContext(ctx, query, transactionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query payment existence: %w", err)
	}
	return true, nil
}

// GetByTransactionID 查询支付事务，不存在返回 (nil, nil)
func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*PaymentTransaction, error) {
	query := `
		SELECT id, transaction_id, customer_id, merchant_id, product_name, product_description,
		       amount, currency, status, current_step, error_message, created_at_ms, updated_at_ms
		FROM ewallet_payment.payment_transactions
		WHERE transaction_id = $1
	`
	var p PaymentTransaction
	err := r.db.QueryRowContext(ctx, query, transactionID).Scan(
		&p.ID, &p.TransactionID, &p.CustomerID, &p.MerchantID, &p.ProductName, &p.ProductDescription,
		&p.Amount, &p.Currency, &p.Status, &p.CurrentStep, &p.ErrorMessage, &p.CreatedAtMs, &p.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return &p, nil
}

// UpdateStatus 更新状态与当前步骤（仅 saga 协调器调用）
func (r *PaymentRepository) UpdateStatus(ctx context.Context, transactionID, status, currentStep string) error {
	query := `
		UPDATE ewallet_payment.payment_transactions
		SET status = $2, current_step = $3, updated_at_ms = $4
		WHERE transaction_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, transactionID, status, currentStep, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed 标记终态失败并记录错误信息
func (r *PaymentRepository) MarkFailed(ctx context.Context, transactionID, currentStep, errorMessage string) error {
	query := `
		UPDATE ewallet_payment.payment_transactions
		SET status = 'FAILED', current_step = $2, error_message = $3, updated_at_ms = $4
		WHERE transaction_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, transactionID, currentStep, errorMessage, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByCustomer 按付款方列出支付记录
func (r *PaymentRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*PaymentTransaction, error) {
	query := `
		SELECT id, transaction_id, customer_id, merchant_id, product_name, product_description,
		       amount, currency, status, current_step, error_message, created_at_ms, updated_at_ms
		FROM ewallet_payment.payment_transactions
		WHERE customer_id = $1
		ORDER BY created_at_ms DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// ListNonTerminal 扫描卡住的非终态事务（恢复扫描用）
func (r *PaymentRepository) ListNonTerminal(ctx context.Context, olderThanMs int64, limit int) ([]*PaymentTransaction, error) {
	query := `
		SELECT id, transaction_id, customer_id, merchant_id, product_name, product_description,
		       amount, currency, status, current_step, error_message, created_at_ms, updated_at_ms
		FROM ewallet_payment.payment_transactions
		WHERE status NOT IN ('COMPLETED', 'FAILED') AND updated_at_ms < $1
		ORDER BY updated_at_ms ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, olderThanMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]*PaymentTransaction, error) {
	var payments []*PaymentTransaction
	for rows.Next() {
		var p PaymentTransaction
		if err := rows.Scan(
			&p.ID, &p.TransactionID, &p.CustomerID, &p.MerchantID, &p.ProductName, &p.ProductDescription,
			&p.Amount, &p.Currency, &p.Status, &p.CurrentStep, &p.ErrorMessage, &p.CreatedAtMs, &p.UpdatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

// CreatePaymentTableSQL 支付事务表结构
const CreatePaymentTableSQL = `
CREATE SCHEMA IF NOT EXISTS ewallet_payment;
CREATE TABLE IF NOT EXISTS ewallet_payment.payment_transactions (
  id BIGINT PRIMARY KEY,
  transaction_id TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  merchant_id TEXT NOT NULL,
  product_name TEXT NOT NULL,
  product_description TEXT NOT NULL DEFAULT '',
  amount TEXT NOT NULL,
  currency VARCHAR(8) NOT NULL,
  status VARCHAR(32) NOT NULL,
  current_step VARCHAR(64) NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_customer ON ewallet_payment.payment_transactions(customer_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_payment_merchant ON ewallet_payment.payment_transactions(merchant_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_payment_status ON ewallet_payment.payment_transactions(status, updated_at_ms);
`
