package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/internal/saga"
	"github.com/ewallet/payment/pkg/decimal"
	commonerrors "github.com/ewallet/payment/pkg/errors"
	"github.com/ewallet/payment/pkg/logger"
)

type testEnv struct {
	store    *mockPaymentStore
	steps    *mockStepStore
	trail    *mockAuditTrail
	wallet   *mockWalletClient
	merchant *mockMerchantClient
	ledger   *mockLedgerClient
	notifier *mockNotificationClient
	locker   *mockLocker
	svc      *PaymentService
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newMockPaymentStore(),
		steps:    &mockStepStore{},
		trail:    &mockAuditTrail{},
		wallet:   &mockWalletClient{},
		merchant: &mockMerchantClient{},
		ledger:   &mockLedgerClient{},
		notifier: &mockNotificationClient{},
		locker:   &mockLocker{},
	}
	log := logger.New("payment-test", io.Discard)
	executor := saga.NewExecutor(env.steps, env.trail, &mockIDGen{}, nil, log, 3, time.Millisecond)
	env.svc = NewPaymentService(
		env.store, executor,
		env.wallet, env.merchant, env.ledger, env.notifier,
		env.trail, env.locker, &mockIDGen{}, nil, log,
	)
	return env
}

func validRequest() *InitiatePaymentRequest {
	return &InitiatePaymentRequest{
		TransactionID: "TXN-test-1",
		CustomerID:    "CUST-1",
		MerchantID:    "MERCH-1",
		ProductName:   "Gold Plan",
		Amount:        "100",
		Currency:      "USD",
	}
}

func errorCode(t *testing.T, err error) commonerrors.Code {
	t.Helper()
	var ce *commonerrors.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected typed error, got %v", err)
	}
	return ce.Code
}

func TestInitiatePayment_HappyPathCompletes(t *testing.T) {
	env := newTestEnv()
	env.wallet.balance = decimal.MustNew("500")

	resp, err := env.svc.InitiatePayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	if resp.Status != "INITIATED" {
		t.Fatalf("expected INITIATED response, got %s", resp.Status)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %+v", p)
	}
	if len(env.wallet.reserveCalls) != 1 {
		t.Fatalf("expected 1 reserve call, got %d", len(env.wallet.reserveCalls))
	}
	if env.wallet.confirmCalls != 1 {
		t.Fatalf("expected 1 confirm call, got %d", env.wallet.confirmCalls)
	}
	if len(env.merchant.creditCalls) != 1 {
		t.Fatalf("expected 1 credit call, got %d", len(env.merchant.creditCalls))
	}
	if len(env.ledger.createCalls) != 1 || env.ledger.createCalls[0].Type != "PAYMENT" {
		t.Fatalf("expected 1 PAYMENT ledger entry, got %+v", env.ledger.createCalls)
	}
	if len(env.notifier.calls) != 2 {
		t.Fatalf("expected customer and merchant notifications, got %d", len(env.notifier.calls))
	}
	if env.wallet.releaseCalls != 0 || len(env.merchant.debitCalls) != 0 || env.ledger.reverseCalls != 0 {
		t.Fatalf("no compensation expected on happy path")
	}
	if !env.trail.has("PAYMENT_INITIATED") || !env.trail.has("COLLECT_FEE_COMPLETED") {
		t.Fatalf("missing audit entries: %v", env.trail.actions())
	}
}

func TestInitiatePayment_FeeIsOnePercentRoundedHalfUp(t *testing.T) {
	env := newTestEnv()
	env.wallet.balance = decimal.MustNew("1000")

	req := validRequest()
	req.Amount = "150.50" // 1% = 1.505 -> 1.51
	if _, err := env.svc.InitiatePayment(context.Background(), req); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	if len(env.wallet.feeCalls) != 1 {
		t.Fatalf("expected 1 fee call, got %d", len(env.wallet.feeCalls))
	}
	fee := env.wallet.feeCalls[0]
	if fee.Amount != "1.51" {
		t.Fatalf("expected fee 1.51, got %s", fee.Amount)
	}
	if fee.TransactionID != "TXN-test-1-FEE" {
		t.Fatalf("expected -FEE suffix, got %s", fee.TransactionID)
	}
}

func TestInitiatePayment_RejectsDuplicateTransaction(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	env.svc.Wait()

	_, err := env.svc.InitiatePayment(context.Background(), validRequest())
	if code := errorCode(t, err); code != commonerrors.CodeDuplicateTransaction {
		t.Fatalf("expected DUPLICATE_TRANSACTION, got %s", code)
	}
}

func TestInitiatePayment_Validation(t *testing.T) {
	env := newTestEnv()
	cases := []struct {
		name   string
		mutate func(*InitiatePaymentRequest)
		code   commonerrors.Code
	}{
		{"missing customer", func(r *InitiatePaymentRequest) { r.CustomerID = "" }, commonerrors.CodeInvalidParam},
		{"missing merchant", func(r *InitiatePaymentRequest) { r.MerchantID = "" }, commonerrors.CodeInvalidParam},
		{"missing product", func(r *InitiatePaymentRequest) { r.ProductName = "" }, commonerrors.CodeInvalidParam},
		{"bad amount", func(r *InitiatePaymentRequest) { r.Amount = "abc" }, commonerrors.CodeInvalidAmount},
		{"zero amount", func(r *InitiatePaymentRequest) { r.Amount = "0" }, commonerrors.CodeInvalidAmount},
		{"negative amount", func(r *InitiatePaymentRequest) { r.Amount = "-5" }, commonerrors.CodeInvalidAmount},
		{"bad currency", func(r *InitiatePaymentRequest) { r.Currency = "XYZ" }, commonerrors.CodeUnsupportedCurrency},
	}
	for _, tc := range cases {
		req := validRequest()
		tc.mutate(req)
		_, err := env.svc.InitiatePayment(context.Background(), req)
		if code := errorCode(t, err); code != tc.code {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.code, code)
		}
	}
}

func TestSaga_InsufficientBalanceFailsWithoutRetry(t *testing.T) {
	env := newTestEnv()
	env.wallet.balance = decimal.MustNew("5")

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "FAILED" {
		t.Fatalf("expected FAILED, got %+v", p)
	}
	if len(env.wallet.reserveCalls) != 0 {
		t.Fatalf("reserve must not run after balance check fails")
	}
	step := env.steps.byName(saga.StepValidateBalance)
	if step == nil || step.Attempt != 1 || step.Status != string(saga.StepFailed) {
		t.Fatalf("expected single failed attempt, got %+v", step)
	}
	if env.wallet.releaseCalls != 0 {
		t.Fatalf("nothing to compensate before reservation")
	}
	if !env.trail.has("SAGA_FAILED") {
		t.Fatalf("missing SAGA_FAILED audit: %v", env.trail.actions())
	}
}

func TestSaga_ReserveExhaustsRetries(t *testing.T) {
	env := newTestEnv()
	env.wallet.reserveErr = unavailableErr("wallet")

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "FAILED" || p.CurrentStep != saga.StepReserveWallet {
		t.Fatalf("expected FAILED at RESERVE_WALLET, got %+v", p)
	}
	if len(env.wallet.reserveCalls) != 3 {
		t.Fatalf("expected 3 reserve attempts, got %d", len(env.wallet.reserveCalls))
	}
	if env.wallet.releaseCalls != 0 || len(env.merchant.debitCalls) != 0 || env.ledger.reverseCalls != 0 {
		t.Fatalf("no compensation expected when reservation never succeeded")
	}
}

func TestSaga_CreditMerchantFailureReleasesReservationOnly(t *testing.T) {
	env := newTestEnv()
	env.merchant.creditErr = unavailableErr("merchant")

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "FAILED" {
		t.Fatalf("expected FAILED, got %+v", p)
	}
	if len(env.merchant.creditCalls) != 3 {
		t.Fatalf("expected 3 credit attempts, got %d", len(env.merchant.creditCalls))
	}
	if env.wallet.releaseCalls != 1 {
		t.Fatalf("expected reservation release, got %d", env.wallet.releaseCalls)
	}
	if len(env.merchant.debitCalls) != 0 || env.ledger.reverseCalls != 0 {
		t.Fatalf("merchant/ledger were never modified, must not be compensated")
	}
	if !env.trail.has("RELEASE_RESERVATION_COMPENSATED") || !env.trail.has("COMPENSATION_COMPLETED") {
		t.Fatalf("missing compensation audit: %v", env.trail.actions())
	}
}

func TestSaga_LedgerFailureDebitsMerchantAndReleases(t *testing.T) {
	env := newTestEnv()
	env.ledger.createErr = unavailableErr("ledger")

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	if len(env.merchant.debitCalls) != 1 {
		t.Fatalf("expected merchant debit, got %d", len(env.merchant.debitCalls))
	}
	if env.ledger.reverseCalls != 0 {
		t.Fatalf("ledger entry never created, must not be reversed")
	}
	if env.wallet.releaseCalls != 1 {
		t.Fatalf("expected reservation release, got %d", env.wallet.releaseCalls)
	}
}

func TestSaga_TransientFaultRecovers(t *testing.T) {
	env := newTestEnv()
	env.wallet.reserveFailures = 2

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED after transient faults, got %+v", p)
	}
	if len(env.wallet.reserveCalls) != 3 {
		t.Fatalf("expected 3 reserve attempts, got %d", len(env.wallet.reserveCalls))
	}
	step := env.steps.byName(saga.StepReserveWallet)
	if step == nil || step.Attempt != 3 || step.Status != string(saga.StepCompleted) {
		t.Fatalf("expected completed step on attempt 3, got %+v", step)
	}
}

func TestSaga_ConfirmFailureCompensatesEverything(t *testing.T) {
	env := newTestEnv()
	env.wallet.confirmErr = unavailableErr("wallet")

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "FAILED" || p.CurrentStep != saga.StepConfirmReservation {
		t.Fatalf("expected FAILED at CONFIRM_RESERVATION, got %+v", p)
	}
	if env.wallet.confirmCalls != 1 {
		t.Fatalf("confirm must not retry, got %d calls", env.wallet.confirmCalls)
	}
	if len(env.merchant.debitCalls) != 1 || env.ledger.reverseCalls != 1 || env.wallet.releaseCalls != 1 {
		t.Fatalf("expected full compensation, got debit=%d reverse=%d release=%d",
			len(env.merchant.debitCalls), env.ledger.reverseCalls, env.wallet.releaseCalls)
	}
}

func TestSaga_CompensationStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv()
	env.ledger.createErr = unavailableErr("ledger")
	env.merchant.debitErr = unavailableErr("merchant")

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	if len(env.merchant.debitCalls) != 1 {
		t.Fatalf("expected single debit attempt, got %d", len(env.merchant.debitCalls))
	}
	if env.wallet.releaseCalls != 0 {
		t.Fatalf("remaining actions must not run after compensation failure")
	}
	if !env.trail.has("COMPENSATION_FAILED") {
		t.Fatalf("missing COMPENSATION_FAILED audit: %v", env.trail.actions())
	}
}

func TestResume_SkipsCompletedSteps(t *testing.T) {
	env := newTestEnv()
	env.store.payments["TXN-resume-1"] = &repository.PaymentTransaction{
		ID:            1,
		TransactionID: "TXN-resume-1",
		CustomerID:    "CUST-1",
		MerchantID:    "MERCH-1",
		ProductName:   "Gold Plan",
		Amount:        "100",
		Currency:      "USD",
		Status:        string(saga.StatusMerchantCredited),
	}

	if err := env.svc.Resume(context.Background(), "TXN-resume-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	p := env.store.get("TXN-resume-1")
	if p == nil || p.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %+v", p)
	}
	if len(env.wallet.reserveCalls) != 0 || len(env.merchant.creditCalls) != 0 {
		t.Fatalf("completed steps must be skipped on resume")
	}
	if len(env.ledger.createCalls) != 1 || len(env.notifier.calls) != 2 || len(env.wallet.feeCalls) != 1 {
		t.Fatalf("remaining steps must run: ledger=%d notify=%d fee=%d",
			len(env.ledger.createCalls), len(env.notifier.calls), len(env.wallet.feeCalls))
	}
	if env.wallet.confirmCalls != 1 {
		t.Fatalf("expected confirm on resume completion")
	}
}

func TestResume_SkipsWhenLockHeldElsewhere(t *testing.T) {
	env := newTestEnv()
	env.locker.denyAcquire = true
	env.store.payments["TXN-held"] = &repository.PaymentTransaction{
		TransactionID: "TXN-held",
		CustomerID:    "CUST-1",
		MerchantID:    "MERCH-1",
		Amount:        "100",
		Currency:      "USD",
		Status:        string(saga.StatusInitiated),
	}

	if err := env.svc.Resume(context.Background(), "TXN-held"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(env.wallet.reserveCalls) != 0 {
		t.Fatalf("resume must not run while lock is held elsewhere")
	}
}

func TestResume_TerminalPaymentIsNoop(t *testing.T) {
	env := newTestEnv()
	env.store.payments["TXN-done"] = &repository.PaymentTransaction{
		TransactionID: "TXN-done",
		Status:        string(saga.StatusCompleted),
	}
	if err := env.svc.Resume(context.Background(), "TXN-done"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if env.wallet.confirmCalls != 0 {
		t.Fatalf("terminal payment must not be touched")
	}
}

func TestGetPaymentStatus_NotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.GetPaymentStatus(context.Background(), "TXN-missing")
	if code := errorCode(t, err); code != commonerrors.CodePaymentNotFound {
		t.Fatalf("expected PAYMENT_NOT_FOUND, got %s", code)
	}
}

func TestGetAuditTrail_ReturnsEntriesInOrder(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	entries, err := env.svc.GetAuditTrail(context.Background(), "TXN-test-1")
	if err != nil {
		t.Fatalf("get audit trail: %v", err)
	}
	if len(entries) == 0 || entries[0].Action != "PAYMENT_INITIATED" {
		t.Fatalf("expected trail starting with PAYMENT_INITIATED, got %+v", entries)
	}
}

// 并发重复提交可能绕过 Exists 预检,在 INSERT 唯一约束处冲突。
func TestInitiatePayment_InsertConflictMapsToDuplicate(t *testing.T) {
	env := newTestEnv()
	env.store.createErr = repository.ErrDuplicateTransaction

	_, err := env.svc.InitiatePayment(context.Background(), validRequest())
	if code := errorCode(t, err); code != commonerrors.CodeDuplicateTransaction {
		t.Fatalf("expected DUPLICATE_TRANSACTION, got %s", code)
	}
	env.svc.Wait()
	if len(env.wallet.reserveCalls) != 0 {
		t.Fatalf("conflicting initiation must not start a saga, got %d reserve calls", len(env.wallet.reserveCalls))
	}
}

func TestSaga_StatusNeverDecreases(t *testing.T) {
	env := newTestEnv()

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	history := env.store.history()
	if len(history) == 0 {
		t.Fatalf("expected status transitions to be recorded")
	}
	prev := saga.StatusInitiated
	for _, raw := range history {
		cur := saga.Status(raw)
		if !cur.Reached(prev) {
			t.Fatalf("status went backwards: %s -> %s (history %v)", prev, cur, history)
		}
		if cur != saga.StatusCompleted {
			prev = cur
		}
	}
	if last := saga.Status(history[len(history)-1]); last != saga.StatusCompleted {
		t.Fatalf("expected final status COMPLETED, got %s", last)
	}
}

func TestRunSaga_LockHeldElsewhereStillRuns(t *testing.T) {
	env := newTestEnv()
	env.locker.denyAcquire = true

	if _, err := env.svc.InitiatePayment(context.Background(), validRequest()); err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	env.svc.Wait()

	p := env.store.get("TXN-test-1")
	if p == nil || p.Status != "COMPLETED" {
		t.Fatalf("fresh saga must run even without the lock, got %+v", p)
	}
	if env.locker.releaseCalls != 0 {
		t.Fatalf("must not release a lock it never acquired, got %d releases", env.locker.releaseCalls)
	}
}
