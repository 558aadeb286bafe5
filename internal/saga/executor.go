package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ewallet/payment/internal/metrics"
	"github.com/ewallet/payment/internal/repository"
	"github.com/ewallet/payment/pkg/logger"
)

// StepStore 步骤台账
type StepStore interface {
	CreateStep(ctx context.Context, step *repository.SagaStep) error
	UpdateStep(ctx context.Context, step *repository.SagaStep) error
}

// AuditSink 审计落盘
type AuditSink interface {
	Record(ctx context.Context, transactionID, action, fromStatus, toStatus, details string)
}

// IDGenerator ID 生成器接口
type IDGenerator interface {
	NextID() int64
}

// permanentError 标记不可重试的失败
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装错误为不可重试：执行器直接判定步骤失败，不再消耗剩余尝试次数。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 是否为不可重试错误
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// StepError 步骤在重试耗尽（或永久失败）后的错误
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor 以有限重试执行 saga 步骤，并维护步骤台账与审计轨迹。
type Executor struct {
	steps       StepStore
	audit       AuditSink
	idGen       IDGenerator
	metrics     *metrics.Metrics
	log         *logger.Logger
	maxAttempts int
	backoffBase time.Duration
}

// NewExecutor 创建步骤执行器
func NewExecutor(steps StepStore, audit AuditSink, idGen IDGenerator, m *metrics.Metrics, log *logger.Logger, maxAttempts int, backoffBase time.Duration) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Executor{
		steps:       steps,
		audit:       audit,
		idGen:       idGen,
		metrics:     m,
		log:         log,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

// Execute 执行一个前向步骤。每次尝试前更新台账 attempt；
// 成功标记 COMPLETED 并审计 <step>_COMPLETED；
// 重试耗尽或永久失败标记 FAILED、审计 <step>_FAILED 并返回 *StepError。
func (e *Executor) Execute(ctx context.Context, transactionID, stepName, status string, action func(ctx context.Context) error) error {
	now := time.Now().UnixMilli()
	step := &repository.SagaStep{
		ID:            e.idGen.NextID(),
		TransactionID: transactionID,
		StepName:      stepName,
		Status:        string(StepPending),
		Attempt:       0,
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	if err := e.steps.CreateStep(ctx, step); err != nil {
		return &StepError{Step: stepName, Attempts: 0, Err: fmt.Errorf("create step record: %w", err)}
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		step.Attempt = attempt
		step.UpdatedAtMs = time.Now().UnixMilli()
		if err := e.steps.UpdateStep(ctx, step); err != nil {
			return e.fail(ctx, step, attempt, fmt.Errorf("update step record: %w", err))
		}

		e.log.Infof("executing saga step", map[string]interface{}{
			"transactionId": transactionID,
			"step":          stepName,
			"attempt":       attempt,
			"maxAttempts":   e.maxAttempts,
		})

		start := time.Now()
		err := action(ctx)
		e.metrics.ObserveStepLatency(stepName, time.Since(start).Seconds())

		if err == nil {
			step.Status = string(StepCompleted)
			step.UpdatedAtMs = time.Now().UnixMilli()
			if uerr := e.steps.UpdateStep(ctx, step); uerr != nil {
				e.log.WithError(uerr).Error("mark step completed failed")
			}
			e.audit.Record(ctx, transactionID, stepName+"_COMPLETED", status, status, "step completed successfully")
			return nil
		}

		lastErr = err
		e.log.Errorf("saga step failed", map[string]interface{}{
			"transactionId": transactionID,
			"step":          stepName,
			"attempt":       attempt,
			"error":         err.Error(),
		})

		if IsPermanent(err) || attempt >= e.maxAttempts {
			return e.fail(ctx, step, attempt, err)
		}

		e.metrics.IncStepRetry(stepName)
		if werr := e.wait(ctx, attempt); werr != nil {
			return e.fail(ctx, step, attempt, fmt.Errorf("backoff interrupted: %w", werr))
		}
	}

	return e.fail(ctx, step, e.maxAttempts, lastErr)
}

func (e *Executor) fail(ctx context.Context, step *repository.SagaStep, attempts int, cause error) error {
	step.Status = string(StepFailed)
	step.ErrorMessage = cause.Error()
	step.UpdatedAtMs = time.Now().UnixMilli()
	if err := e.steps.UpdateStep(ctx, step); err != nil {
		e.log.WithError(err).Error("mark step failed failed")
	}
	e.audit.Record(ctx, step.TransactionID, step.StepName+"_FAILED", "", string(StatusFailed),
		fmt.Sprintf("step failed after %d attempt(s): %s", attempts, cause.Error()))
	return &StepError{Step: step.StepName, Attempts: attempts, Err: cause}
}

// wait 退避等待。只阻塞当前 saga 的 goroutine；上下文取消时立即返回。
func (e *Executor) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(attempt) * e.backoffBase)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Action 补偿动作
type Action struct {
	Name string
	Run  func(ctx context.Context) error
}

// Compensate 依次执行补偿动作，不重试。
// 每个动作记一条 COMPENSATING 台账，成功转 COMPENSATED 并审计 <action>_COMPENSATED；
// 首个失败标记 FAILED 后立即返回，剩余动作不再执行（需要人工对账）。
func (e *Executor) Compensate(ctx context.Context, transactionID, status string, actions []Action) error {
	for _, action := range actions {
		now := time.Now().UnixMilli()
		step := &repository.SagaStep{
			ID:            e.idGen.NextID(),
			TransactionID: transactionID,
			StepName:      action.Name,
			Status:        string(StepCompensating),
			Attempt:       1,
			CreatedAtMs:   now,
			UpdatedAtMs:   now,
		}
		if err := e.steps.CreateStep(ctx, step); err != nil {
			e.metrics.IncCompensation(action.Name, "error")
			return fmt.Errorf("create compensation record %s: %w", action.Name, err)
		}

		e.log.Infof("compensating saga step", map[string]interface{}{
			"transactionId": transactionID,
			"action":        action.Name,
		})

		if err := action.Run(ctx); err != nil {
			step.Status = string(StepFailed)
			step.ErrorMessage = err.Error()
			step.UpdatedAtMs = time.Now().UnixMilli()
			if uerr := e.steps.UpdateStep(ctx, step); uerr != nil {
				e.log.WithError(uerr).Error("mark compensation failed failed")
			}
			e.metrics.IncCompensation(action.Name, "failed")
			return fmt.Errorf("compensation %s: %w", action.Name, err)
		}

		step.Status = string(StepCompensated)
		step.UpdatedAtMs = time.Now().UnixMilli()
		if err := e.steps.UpdateStep(ctx, step); err != nil {
			e.log.WithError(err).Error("mark compensated failed")
		}
		e.audit.Record(ctx, transactionID, action.Name+"_COMPENSATED", status, status, "compensation step completed")
		e.metrics.IncCompensation(action.Name, "compensated")
	}
	return nil
}
