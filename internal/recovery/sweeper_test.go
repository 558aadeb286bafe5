package recovery

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/pkg/logger"
)

type stubScanner struct {
	payments []*repository.PaymentTransaction
	err      error
	gotLimit int
}

func (s *stubScanner) ListNonTerminal(ctx context.Context, olderThanMs int64, limit int) ([]*repository.PaymentTransaction, error) {
	s.gotLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.payments, nil
}

type stubResumer struct {
	resumed []string
	err     error
}

func (r *stubResumer) Resume(ctx context.Context, transactionID string) error {
	r.resumed = append(r.resumed, transactionID)
	return r.err
}

func TestSweep_ResumesStalePayments(t *testing.T) {
	scanner := &stubScanner{payments: []*repository.PaymentTransaction{
		{TransactionID: "TXN-1", Status: "WALLET_RESERVED"},
		{TransactionID: "TXN-2", Status: "MERCHANT_CREDITED"},
	}}
	resumer := &stubResumer{}
	s := NewSweeper(scanner, resumer, logger.New("recovery-test", io.Discard), 5*time.Minute, 10)

	s.Sweep(context.Background())

	if scanner.gotLimit != 10 {
		t.Fatalf("expected batch size 10, got %d", scanner.gotLimit)
	}
	if len(resumer.resumed) != 2 || resumer.resumed[0] != "TXN-1" || resumer.resumed[1] != "TXN-2" {
		t.Fatalf("unexpected resumes: %v", resumer.resumed)
	}
}

func TestSweep_ScanErrorStops(t *testing.T) {
	scanner := &stubScanner{err: errors.New("db down")}
	resumer := &stubResumer{}
	s := NewSweeper(scanner, resumer, logger.New("recovery-test", io.Discard), 5*time.Minute, 10)

	s.Sweep(context.Background())
	if len(resumer.resumed) != 0 {
		t.Fatalf("no resumes expected on scan error, got %v", resumer.resumed)
	}
}

func TestSweep_ResumeErrorContinues(t *testing.T) {
	scanner := &stubScanner{payments: []*repository.PaymentTransaction{
		{TransactionID: "TXN-1"},
		{TransactionID: "TXN-2"},
	}}
	resumer := &stubResumer{err: errors.New("still locked")}
	s := NewSweeper(scanner, resumer, logger.New("recovery-test", io.Discard), 5*time.Minute, 10)

	s.Sweep(context.Background())
	if len(resumer.resumed) != 2 {
		t.Fatalf("sweep must continue past resume errors, got %v", resumer.resumed)
	}
}
