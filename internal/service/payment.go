// Package service 支付编排服务
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/ewallet/payment/internal/audit"
	"github.com/ewallet/payment/internal/client"
	"github.com/ewallet/payment/internal/metrics"
	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/internal/saga"
	"github.com/ewallet/payment/pkg/decimal"
	commonerrors "github.com/ewallet/payment/pkg/errors"
	"github.com/ewallet/payment/pkg/logger"
)

// 支持的结算币种
var supportedCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"INR": true,
	"JPY": true,
}

// feeRate 平台手续费率
var feeRate = decimal.MustNew("0.01")

// PaymentStore 支付事务仓储接口
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *repository.PaymentTransaction) error
	ExistsByTransactionID(ctx context.Context, transactionID string) (bool, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*repository.PaymentTransaction, error)
	UpdateStatus(ctx context.Context, transactionID, status, currentStep string) error
	MarkFailed(ctx context.Context, transactionID, currentStep, errorMessage string) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*repository.PaymentTransaction, error)
	ListNonTerminal(ctx context.Context, olderThanMs int64, limit int) ([]*repository.PaymentTransaction, error)
}

// WalletClient 钱包服务能力
type WalletClient interface {
	GetBalance(ctx context.Context, customerID string) (*decimal.Decimal, error)
	Reserve(ctx context.Context, req *client.ReserveRequest) error
	ConfirmReservation(ctx context.Context, transactionID string) error
	ReleaseReservation(ctx context.Context, transactionID string) error
	CollectFee(ctx context.Context, req *client.CollectFeeRequest) error
}

// MerchantClient 商户账户能力
type MerchantClient interface {
	Credit(ctx context.Context, req *client.CreditRequest) error
	Debit(ctx context.Context, req *client.DebitRequest) error
}

// LedgerClient 账本能力
type LedgerClient interface {
	CreateEntry(ctx context.Context, req *client.LedgerEntryRequest) error
	ReverseEntry(ctx context.Context, transactionID string) error
}

// NotificationClient 通知能力
type NotificationClient interface {
	Notify(ctx context.Context, req *client.NotifyRequest) error
}

// AuditTrail 审计轨迹能力
type AuditTrail interface {
	Record(ctx context.Context, transactionID, action, fromStatus, toStatus, details string)
	ListByTransaction(ctx context.Context, transactionID string) ([]*audit.Entry, error)
}

// SagaLocker saga 互斥锁能力
type SagaLocker interface {
	TryAcquire(ctx context.Context, transactionID string) (bool, error)
	Release(ctx context.Context, transactionID string) error
}

// IDGenerator ID 生成器接口
type IDGenerator interface {
	NextID() int64
}

// PaymentService 支付 saga 协调器
type PaymentService struct {
	payments     PaymentStore
	executor     *saga.Executor
	wallet       WalletClient
	merchant     MerchantClient
	ledger       LedgerClient
	notification NotificationClient
	audit        AuditTrail
	locker       SagaLocker
	idGen        IDGenerator
	metrics      *metrics.Metrics
	log          *logger.Logger

	wg sync.WaitGroup
}

// NewPaymentService 创建支付服务
func NewPaymentService(
	payments PaymentStore,
	executor *saga.Executor,
	wallet WalletClient,
	merchant MerchantClient,
	ledger LedgerClient,
	notification NotificationClient,
	auditTrail AuditTrail,
	locker SagaLocker,
	idGen IDGenerator,
	m *metrics.Metrics,
	log *logger.Logger,
) *PaymentService {
	return &PaymentService{
		payments:     payments,
		executor:     executor,
		wallet:       wallet,
		merchant:     merchant,
		ledger:       ledger,
		notification: notification,
		audit:        auditTrail,
		locker:       locker,
		idGen:        idGen,
		metrics:      m,
		log:          log,
	}
}

// InitiatePaymentRequest 发起支付请求
type InitiatePaymentRequest struct {
	TransactionID      string `json:"transactionId,omitempty"`
	CustomerID         string `json:"customerId"`
	MerchantID         string `json:"merchantId"`
	ProductName        string `json:"productName"`
	ProductDescription string `json:"productDescription,omitempty"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
}

// InitiatePaymentResponse 发起支付响应
type InitiatePaymentResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// PaymentStatusResponse 支付状态响应
type PaymentStatusResponse struct {
	TransactionID string `json:"transactionId"`
	CustomerID    string `json:"customerId"`
	MerchantID    string `json:"merchantId"`
	ProductName   string `json:"productName"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	CurrentStep   string `json:"currentStep,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

// InitiatePayment 发起支付：落库后异步启动 saga，立即返回 INITIATED。
// 重复的 transactionId 返回 DUPLICATE_TRANSACTION。
func (s *PaymentService) InitiatePayment(ctx context.Context, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	amount, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = generateTransactionID()
	}

	// 幂等检查 + 唯一约束双保险：并发重复请求由约束兜底
	exists, err := s.payments.ExistsByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "check transaction: %v", err)
	}
	if exists {
		return nil, commonerrors.ErrDuplicateTransaction
	}

	p := &repository.PaymentTransaction{
		ID:                 s.idGen.NextID(),
		TransactionID:      transactionID,
		CustomerID:         req.CustomerID,
		MerchantID:         req.MerchantID,
		ProductName:        req.ProductName,
		ProductDescription: req.ProductDescription,
		Amount:             amount.String(),
		Currency:           strings.ToUpper(req.Currency),
		Status:             string(saga.StatusInitiated),
	}
	if err := s.payments.CreatePayment(ctx, p); err != nil {
		if err == repository.ErrDuplicateTransaction {
			return nil, commonerrors.ErrDuplicateTransaction
		}
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "create payment: %v", err)
	}

	s.audit.Record(ctx, transactionID, "PAYMENT_INITIATED", "", string(saga.StatusInitiated),
		"payment accepted: "+amount.String()+" "+p.Currency)
	s.metrics.IncPaymentInitiated()

	s.log.Infof("payment initiated", map[string]interface{}{
		"transactionId": transactionID,
		"customerId":    p.CustomerID,
		"merchantId":    p.MerchantID,
		"amount":        p.Amount,
		"currency":      p.Currency,
	})

	s.wg.Add(1)
	go s.runSaga(transactionID)

	return &InitiatePaymentResponse{
		TransactionID: transactionID,
		Status:        string(saga.StatusInitiated),
		Message:       "payment accepted for processing",
	}, nil
}

func (s *PaymentService) validate(req *InitiatePaymentRequest) (*decimal.Decimal, error) {
	if req == nil {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "request body required")
	}
	if req.CustomerID == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "customerId is required")
	}
	if req.MerchantID == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "merchantId is required")
	}
	if req.ProductName == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "productName is required")
	}
	amount, err := decimal.New(req.Amount)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidAmount, "invalid amount %q", req.Amount)
	}
	if !amount.IsPositive() {
		return nil, commonerrors.New(commonerrors.CodeInvalidAmount, "amount must be positive")
	}
	if !supportedCurrencies[strings.ToUpper(req.Currency)] {
		return nil, commonerrors.Newf(commonerrors.CodeUnsupportedCurrency, "unsupported currency %q", req.Currency)
	}
	return amount, nil
}

// GetPaymentStatus 查询支付状态
func (s *PaymentService) GetPaymentStatus(ctx context.Context, transactionID string) (*PaymentStatusResponse, error) {
	p, err := s.payments.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "query payment: %v", err)
	}
	if p == nil {
		return nil, commonerrors.ErrPaymentNotFound
	}
	return &PaymentStatusResponse{
		TransactionID: p.TransactionID,
		CustomerID:    p.CustomerID,
		MerchantID:    p.MerchantID,
		ProductName:   p.ProductName,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		CurrentStep:   p.CurrentStep,
		ErrorMessage:  p.ErrorMessage,
		CreatedAtMs:   p.CreatedAtMs,
		UpdatedAtMs:   p.UpdatedAtMs,
	}, nil
}

// ListPayments 按付款方列出支付记录
func (s *PaymentService) ListPayments(ctx context.Context, customerID string, limit int) ([]*repository.PaymentTransaction, error) {
	if customerID == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "customerId is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	payments, err := s.payments.ListByCustomer(ctx, customerID, limit)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "list payments: %v", err)
	}
	return payments, nil
}

// GetAuditTrail 查询事务的审计轨迹
func (s *PaymentService) GetAuditTrail(ctx context.Context, transactionID string) ([]*audit.Entry, error) {
	p, err := s.payments.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "query payment: %v", err)
	}
	if p == nil {
		return nil, commonerrors.ErrPaymentNotFound
	}
	entries, err := s.audit.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "query audit trail: %v", err)
	}
	return entries, nil
}

// Wait 等待所有在途 saga 结束（退出前调用）
func (s *PaymentService) Wait() {
	s.wg.Wait()
}

func generateTransactionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "TXN-" + hex.EncodeToString(buf)
}
