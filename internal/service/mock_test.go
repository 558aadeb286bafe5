package service

import (
	"context"
	"sync"
	"time"

	"github.com/ewallet/payment/internal/audit"
	"github.com/ewallet/payment/internal/client"
	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/pkg/decimal"
	commonerrors "github.com/ewallet/payment/pkg/errors"
)

// mockIDGen mock ID 生成器
type mockIDGen struct {
	mu sync.Mutex
	id int64
}

func (m *mockIDGen) NextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id++
	return m.id
}

// mockPaymentStore mock 支付仓储
type mockPaymentStore struct {
	mu            sync.Mutex
	payments      map[string]*repository.PaymentTransaction
	statusHistory []string
	createErr     error
	getErr        error
	updateErr     error
}

func newMockPaymentStore() *mockPaymentStore {
	return &mockPaymentStore{payments: make(map[string]*repository.PaymentTransaction)}
}

func (m *mockPaymentStore) CreatePayment(ctx context.Context, p *repository.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.payments[p.TransactionID]; ok {
		return repository.ErrDuplicateTransaction
	}
	cp := *p
	m.payments[p.TransactionID] = &cp
	return nil
}

func (m *mockPaymentStore) ExistsByTransactionID(ctx context.Context, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.payments[transactionID]
	return ok, nil
}

func (m *mockPaymentStore) GetByTransactionID(ctx context.Context, transactionID string) (*repository.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.payments[transactionID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockPaymentStore) UpdateStatus(ctx context.Context, transactionID, status, currentStep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	p, ok := m.payments[transactionID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	p.CurrentStep = currentStep
	m.statusHistory = append(m.statusHistory, status)
	return nil
}

func (m *mockPaymentStore) MarkFailed(ctx context.Context, transactionID, currentStep, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[transactionID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = "FAILED"
	p.CurrentStep = currentStep
	p.ErrorMessage = errorMessage
	m.statusHistory = append(m.statusHistory, "FAILED")
	return nil
}

func (m *mockPaymentStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*repository.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*repository.PaymentTransaction
	for _, p := range m.payments {
		if p.CustomerID == customerID && len(result) < limit {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockPaymentStore) ListNonTerminal(ctx context.Context, olderThanMs int64, limit int) ([]*repository.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*repository.PaymentTransaction
	for _, p := range m.payments {
		if p.Status != "COMPLETED" && p.Status != "FAILED" && p.UpdatedAtMs < olderThanMs && len(result) < limit {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockPaymentStore) get(transactionID string) *repository.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[transactionID]
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (m *mockPaymentStore) history() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statusHistory...)
}

// mockStepStore mock 步骤台账
type mockStepStore struct {
	mu    sync.Mutex
	steps []*repository.SagaStep
}

func (m *mockStepStore) CreateStep(ctx context.Context, step *repository.SagaStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps = append(m.steps, &cp)
	return nil
}

func (m *mockStepStore) UpdateStep(ctx context.Context, step *repository.SagaStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.steps {
		if s.ID == step.ID {
			cp := *step
			m.steps[i] = &cp
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *mockStepStore) byName(name string) *repository.SagaStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.StepName == name {
			cp := *s
			return &cp
		}
	}
	return nil
}

// mockAuditTrail mock 审计轨迹
type mockAuditTrail struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *mockAuditTrail) Record(ctx context.Context, transactionID, action, fromStatus, toStatus, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &audit.Entry{
		TransactionID: transactionID,
		Action:        action,
		FromStatus:    fromStatus,
		ToStatus:      toStatus,
		Details:       details,
		CreatedAtMs:   time.Now().UnixMilli(),
	})
}

func (m *mockAuditTrail) ListByTransaction(ctx context.Context, transactionID string) ([]*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*audit.Entry
	for _, e := range m.entries {
		if e.TransactionID == transactionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockAuditTrail) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e.Action)
	}
	return result
}

func (m *mockAuditTrail) has(action string) bool {
	for _, a := range m.actions() {
		if a == action {
			return true
		}
	}
	return false
}

func unavailableErr(service string) error {
	return commonerrors.Newf(commonerrors.CodeUnavailable, "%s unavailable", service)
}

// mockWalletClient mock 钱包客户端
type mockWalletClient struct {
	mu              sync.Mutex
	balance         *decimal.Decimal
	balanceErr      error
	reserveFailures int
	reserveErr      error
	confirmErr      error
	releaseErr      error
	feeFailures     int
	feeErr          error
	reserveCalls    []*client.ReserveRequest
	confirmCalls    int
	releaseCalls    int
	feeCalls        []*client.CollectFeeRequest
}

func (m *mockWalletClient) GetBalance(ctx context.Context, customerID string) (*decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if m.balance == nil {
		return decimal.MustNew("1000"), nil
	}
	return m.balance, nil
}

func (m *mockWalletClient) Reserve(ctx context.Context, req *client.ReserveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCalls = append(m.reserveCalls, req)
	if m.reserveFailures > 0 {
		m.reserveFailures--
		return unavailableErr("wallet")
	}
	return m.reserveErr
}

func (m *mockWalletClient) ConfirmReservation(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls++
	return m.confirmErr
}

func (m *mockWalletClient) ReleaseReservation(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	return m.releaseErr
}

func (m *mockWalletClient) CollectFee(ctx context.Context, req *client.CollectFeeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeCalls = append(m.feeCalls, req)
	if m.feeFailures > 0 {
		m.feeFailures--
		return unavailableErr("wallet")
	}
	return m.feeErr
}

// mockMerchantClient mock 商户客户端
type mockMerchantClient struct {
	mu             sync.Mutex
	creditFailures int
	creditErr      error
	debitErr       error
	creditCalls    []*client.CreditRequest
	debitCalls     []*client.DebitRequest
}

func (m *mockMerchantClient) Credit(ctx context.Context, req *client.CreditRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditCalls = append(m.creditCalls, req)
	if m.creditFailures > 0 {
		m.creditFailures--
		return unavailableErr("merchant")
	}
	return m.creditErr
}

func (m *mockMerchantClient) Debit(ctx context.Context, req *client.DebitRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debitCalls = append(m.debitCalls, req)
	return m.debitErr
}

// mockLedgerClient mock 账本客户端
type mockLedgerClient struct {
	mu             sync.Mutex
	createFailures int
	createErr      error
	reverseErr     error
	createCalls    []*client.LedgerEntryRequest
	reverseCalls   int
}

func (m *mockLedgerClient) CreateEntry(ctx context.Context, req *client.LedgerEntryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, req)
	if m.createFailures > 0 {
		m.createFailures--
		return unavailableErr("ledger")
	}
	return m.createErr
}

func (m *mockLedgerClient) ReverseEntry(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverseCalls++
	return m.reverseErr
}

// mockNotificationClient mock 通知客户端
type mockNotificationClient struct {
	mu        sync.Mutex
	notifyErr error
	calls     []*client.NotifyRequest
}

func (m *mockNotificationClient) Notify(ctx context.Context, req *client.NotifyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	return m.notifyErr
}

// mockLocker mock saga 锁
type mockLocker struct {
	mu           sync.Mutex
	denyAcquire  bool
	acquireErr   error
	acquireCalls int
	releaseCalls int
}

func (m *mockLocker) TryAcquire(ctx context.Context, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++
	if m.acquireErr != nil {
		return false, m.acquireErr
	}
	return !m.denyAcquire, nil
}

func (m *mockLocker) Release(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	return nil
}
