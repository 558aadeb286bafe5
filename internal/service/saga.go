package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ewallet/payment/internal/client"
	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/internal/saga"
	"github.com/ewallet/payment/pkg/decimal"
	commonerrors "github.com/ewallet/payment/pkg/errors"
)

// sagaStep 前向步骤。skipAt：恢复时当前状态已到达该状态则跳过；
// target：步骤成功后的新状态（空表示不推进，仅校验类步骤）。
type sagaStep struct {
	name   string
	skipAt saga.Status
	target saga.Status
	run    func(ctx context.Context, from saga.Status) error
}

// runSaga 异步执行 saga。HTTP 请求已返回，使用独立上下文。
func (s *PaymentService) runSaga(transactionID string) {
	defer s.wg.Done()
	ctx := context.Background()

	s.metrics.IncActiveSagas()
	defer s.metrics.DecActiveSagas()

	if s.locker != nil {
		acquired, err := s.locker.TryAcquire(ctx, transactionID)
		switch {
		case err != nil:
			// 锁不可用不阻断支付，由数据库唯一约束与状态机兜底
			s.log.WithError(err).WithField("transactionId", transactionID).Warn("saga lock unavailable, proceeding without lock")
		case !acquired:
			// 新建支付不可能有并发 saga,此处被占只会是崩溃进程残留的过期锁;
			// 刚插入的事务以本协程为准继续执行,后台恢复侧遇锁则让出(见 Resume)
			s.log.WithField("transactionId", transactionID).Warn("saga lock held elsewhere, proceeding")
		default:
			defer func() { _ = s.locker.Release(context.Background(), transactionID) }()
		}
	}

	p, err := s.payments.GetByTransactionID(ctx, transactionID)
	if err != nil || p == nil {
		s.log.WithError(err).WithField("transactionId", transactionID).Error("load payment for saga failed")
		return
	}

	s.executeSaga(ctx, p)
}

// executeSaga 依次执行前向步骤。支持从任意非终态断点续跑：
// 当前状态已越过的步骤直接跳过。
func (s *PaymentService) executeSaga(ctx context.Context, p *repository.PaymentTransaction) {
	transactionID := p.TransactionID
	current := saga.Status(p.Status)
	if current.Terminal() {
		return
	}

	amount, err := decimal.New(p.Amount)
	if err != nil {
		s.handleSagaFailure(ctx, p, "", current, fmt.Errorf("corrupt amount %q: %w", p.Amount, err))
		return
	}

	steps := s.forwardSteps(p, amount)
	for _, st := range steps {
		if current.Reached(st.skipAt) {
			continue
		}
		st := st
		from := current
		err := s.executor.Execute(ctx, transactionID, st.name, string(current), func(c context.Context) error {
			return st.run(c, from)
		})
		if err != nil {
			s.handleSagaFailure(ctx, p, st.name, current, err)
			return
		}
		if st.target != "" {
			current = st.target
		}
	}

	// 预留确认：单次调用，不重试。失败则整笔支付失败并补偿。
	if err := s.wallet.ConfirmReservation(ctx, transactionID); err != nil {
		s.handleSagaFailure(ctx, p, saga.StepConfirmReservation, current, err)
		return
	}

	if err := s.updateStatus(ctx, transactionID, current, saga.StatusCompleted, ""); err != nil {
		s.log.WithError(err).WithField("transactionId", transactionID).Error("mark payment completed failed")
		return
	}
	s.metrics.IncPaymentCompleted()
	s.log.Infof("payment completed", map[string]interface{}{
		"transactionId": transactionID,
		"amount":        p.Amount,
		"currency":      p.Currency,
	})
}

func (s *PaymentService) forwardSteps(p *repository.PaymentTransaction, amount *decimal.Decimal) []sagaStep {
	transactionID := p.TransactionID
	amountStr := amount.String()

	return []sagaStep{
		{
			name:   saga.StepValidateBalance,
			skipAt: saga.StatusWalletReserved,
			run: func(ctx context.Context, _ saga.Status) error {
				balance, err := s.wallet.GetBalance(ctx, p.CustomerID)
				if err != nil {
					return stepError(err)
				}
				if balance.Cmp(amount) < 0 {
					return saga.Permanent(commonerrors.Newf(commonerrors.CodeInsufficientBalance,
						"balance %s below amount %s", balance.String(), amountStr))
				}
				return nil
			},
		},
		{
			name:   saga.StepReserveWallet,
			skipAt: saga.StatusWalletReserved,
			target: saga.StatusWalletReserved,
			run: func(ctx context.Context, from saga.Status) error {
				err := s.wallet.Reserve(ctx, &client.ReserveRequest{
					TransactionID: transactionID,
					CustomerID:    p.CustomerID,
					Amount:        amountStr,
					Currency:      p.Currency,
				})
				if err != nil {
					return stepError(err)
				}
				return s.updateStatus(ctx, transactionID, from, saga.StatusWalletReserved, saga.StepReserveWallet)
			},
		},
		{
			name:   saga.StepCreditMerchant,
			skipAt: saga.StatusMerchantCredited,
			target: saga.StatusMerchantCredited,
			run: func(ctx context.Context, from saga.Status) error {
				err := s.merchant.Credit(ctx, &client.CreditRequest{
					TransactionID: transactionID,
					MerchantID:    p.MerchantID,
					Amount:        amountStr,
					Currency:      p.Currency,
				})
				if err != nil {
					return stepError(err)
				}
				return s.updateStatus(ctx, transactionID, from, saga.StatusMerchantCredited, saga.StepCreditMerchant)
			},
		},
		{
			name:   saga.StepUpdateLedger,
			skipAt: saga.StatusLedgerUpdated,
			target: saga.StatusLedgerUpdated,
			run: func(ctx context.Context, from saga.Status) error {
				err := s.ledger.CreateEntry(ctx, &client.LedgerEntryRequest{
					TransactionID: transactionID,
					CustomerID:    p.CustomerID,
					MerchantID:    p.MerchantID,
					Amount:        amountStr,
					Currency:      p.Currency,
					Type:          "PAYMENT",
				})
				if err != nil {
					return stepError(err)
				}
				return s.updateStatus(ctx, transactionID, from, saga.StatusLedgerUpdated, saga.StepUpdateLedger)
			},
		},
		{
			name:   saga.StepSendNotifications,
			skipAt: saga.StatusNotificationSent,
			target: saga.StatusNotificationSent,
			run: func(ctx context.Context, from saga.Status) error {
				customerMsg := fmt.Sprintf("Your payment of %s %s for %s was successful. Transaction: %s",
					amountStr, p.Currency, p.ProductName, transactionID)
				if err := s.notification.Notify(ctx, &client.NotifyRequest{
					Recipient: p.CustomerID,
					Type:      "PAYMENT",
					Subject:   "Payment Successful",
					Message:   customerMsg,
				}); err != nil {
					return stepError(err)
				}
				merchantMsg := fmt.Sprintf("Payment of %s %s received for %s. Transaction: %s",
					amountStr, p.Currency, p.ProductName, transactionID)
				if err := s.notification.Notify(ctx, &client.NotifyRequest{
					Recipient: p.MerchantID,
					Type:      "PAYMENT",
					Subject:   "Payment Received",
					Message:   merchantMsg,
				}); err != nil {
					return stepError(err)
				}
				return s.updateStatus(ctx, transactionID, from, saga.StatusNotificationSent, saga.StepSendNotifications)
			},
		},
		{
			name:   saga.StepCollectFee,
			skipAt: saga.StatusFeeCollected,
			target: saga.StatusFeeCollected,
			run: func(ctx context.Context, from saga.Status) error {
				fee := amount.Mul(feeRate).RoundHalfUp(2)
				err := s.wallet.CollectFee(ctx, &client.CollectFeeRequest{
					TransactionID: transactionID + "-FEE",
					CustomerID:    p.CustomerID,
					Amount:        fee.StringFixed(2),
					Currency:      p.Currency,
				})
				if err != nil {
					return stepError(err)
				}
				return s.updateStatus(ctx, transactionID, from, saga.StatusFeeCollected, saga.StepCollectFee)
			},
		},
	}
}

// handleSagaFailure 支付失败收口：先以失败前最后到达的状态决定补偿范围，
// 再落终态。顺序不能反，否则状态被覆盖后补偿判定失真。
func (s *PaymentService) handleSagaFailure(ctx context.Context, p *repository.PaymentTransaction, failedStep string, reached saga.Status, cause error) {
	transactionID := p.TransactionID

	s.log.Errorf("payment saga failed", map[string]interface{}{
		"transactionId": transactionID,
		"failedStep":    failedStep,
		"lastReached":   string(reached),
		"error":         cause.Error(),
	})
	s.metrics.IncPaymentFailed(failedStep)
	s.audit.Record(ctx, transactionID, "SAGA_FAILED", string(reached), string(saga.StatusFailed), cause.Error())

	if err := s.payments.MarkFailed(ctx, transactionID, failedStep, cause.Error()); err != nil {
		s.log.WithError(err).WithField("transactionId", transactionID).Error("mark payment failed failed")
	}

	actions := s.compensationActions(p, reached)
	s.audit.Record(ctx, transactionID, "COMPENSATION_STARTED", string(saga.StatusFailed), string(saga.StatusFailed),
		fmt.Sprintf("compensating %d action(s) from last reached status %s", len(actions), reached))

	if err := s.executor.Compensate(ctx, transactionID, string(saga.StatusFailed), actions); err != nil {
		// 补偿中断：剩余动作不再执行，留待人工对账
		s.audit.Record(ctx, transactionID, "COMPENSATION_FAILED", string(saga.StatusFailed), string(saga.StatusFailed), err.Error())
		s.log.WithError(err).WithField("transactionId", transactionID).Error("compensation aborted")
		return
	}
	s.audit.Record(ctx, transactionID, "COMPENSATION_COMPLETED", string(saga.StatusFailed), string(saga.StatusFailed),
		fmt.Sprintf("%d action(s) compensated", len(actions)))
}

// compensationActions 根据失败前最后到达的状态圈定补偿范围。
func (s *PaymentService) compensationActions(p *repository.PaymentTransaction, reached saga.Status) []saga.Action {
	transactionID := p.TransactionID
	var actions []saga.Action

	if reached.Reached(saga.StatusMerchantCredited) {
		actions = append(actions, saga.Action{
			Name: saga.ActionDebitMerchant,
			Run: func(ctx context.Context) error {
				return s.merchant.Debit(ctx, &client.DebitRequest{
					TransactionID: transactionID,
					MerchantID:    p.MerchantID,
					Amount:        p.Amount,
					Currency:      p.Currency,
				})
			},
		})
	}
	if reached.Reached(saga.StatusLedgerUpdated) {
		actions = append(actions, saga.Action{
			Name: saga.ActionReverseLedger,
			Run: func(ctx context.Context) error {
				return s.ledger.ReverseEntry(ctx, transactionID)
			},
		})
	}
	if reached.Reached(saga.StatusWalletReserved) {
		actions = append(actions, saga.Action{
			Name: saga.ActionReleaseReservation,
			Run: func(ctx context.Context) error {
				return s.wallet.ReleaseReservation(ctx, transactionID)
			},
		})
	}
	return actions
}

// Resume 续跑一笔卡在非终态的支付（恢复扫描调用，同步执行）。
// 抢不到锁说明别处在途，直接跳过。
func (s *PaymentService) Resume(ctx context.Context, transactionID string) error {
	if s.locker != nil {
		acquired, err := s.locker.TryAcquire(ctx, transactionID)
		if err != nil {
			s.log.WithError(err).WithField("transactionId", transactionID).Warn("saga lock unavailable during resume")
		} else if !acquired {
			return nil
		} else {
			defer func() { _ = s.locker.Release(ctx, transactionID) }()
		}
	}

	p, err := s.payments.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if p == nil {
		return commonerrors.ErrPaymentNotFound
	}
	if saga.Status(p.Status).Terminal() {
		return nil
	}

	s.audit.Record(ctx, transactionID, "SAGA_RESUMED", p.Status, p.Status, "resuming from step "+p.CurrentStep)
	s.log.Infof("resuming payment saga", map[string]interface{}{
		"transactionId": transactionID,
		"status":        p.Status,
		"currentStep":   p.CurrentStep,
	})
	s.executeSaga(ctx, p)
	return nil
}

func (s *PaymentService) updateStatus(ctx context.Context, transactionID string, from, to saga.Status, step string) error {
	if err := s.payments.UpdateStatus(ctx, transactionID, string(to), step); err != nil {
		return fmt.Errorf("update status to %s: %w", to, err)
	}
	s.audit.Record(ctx, transactionID, "STATUS_UPDATED", string(from), string(to), "")
	return nil
}

// stepError 下游返回的不可重试业务错误直接判永久失败，不消耗重试次数。
func stepError(err error) error {
	if err == nil {
		return nil
	}
	var ce *commonerrors.Error
	if errors.As(err, &ce) && !ce.Retryable {
		return saga.Permanent(err)
	}
	return err
}
