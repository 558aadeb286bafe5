// Package recovery 定时扫描卡住的非终态支付并续跑 saga。
// 进程崩溃或重启丢失的在途支付由这里兜底。
package recovery

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/pkg/logger"
)

// PaymentScanner 非终态支付扫描
type PaymentScanner interface {
	ListNonTerminal(ctx context.Context, olderThanMs int64, limit int) ([]*repository.PaymentTransaction, error)
}

// SagaResumer 支付续跑
type SagaResumer interface {
	Resume(ctx context.Context, transactionID string) error
}

// Sweeper 恢复扫描器
type Sweeper struct {
	scanner    PaymentScanner
	resumer    SagaResumer
	log        *logger.Logger
	staleAfter time.Duration
	batchSize  int

	cron *cron.Cron
}

// NewSweeper 创建扫描器
func NewSweeper(scanner PaymentScanner, resumer SagaResumer, log *logger.Logger, staleAfter time.Duration, batchSize int) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		scanner:    scanner,
		resumer:    resumer,
		log:        log,
		staleAfter: staleAfter,
		batchSize:  batchSize,
	}
}

// Start 按 cron 表达式启动周期扫描
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop 停止扫描，等待在途扫描结束
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep 执行一轮扫描。updated_at_ms 超过 staleAfter 未推进的非终态支付逐笔续跑。
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.staleAfter).UnixMilli()
	payments, err := s.scanner.ListNonTerminal(ctx, cutoff, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("recovery scan failed")
		return
	}
	if len(payments) == 0 {
		return
	}

	s.log.Infof("recovery sweep found stale payments", map[string]interface{}{
		"count": len(payments),
	})

	for _, p := range payments {
		if err := s.resumer.Resume(ctx, p.TransactionID); err != nil {
			s.log.WithError(err).WithField("transactionId", p.TransactionID).Error("resume payment failed")
		}
	}
}
