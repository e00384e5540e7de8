package operation

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/observability/alerting"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/pkg/logger"
)

// Processor 负责从队列消费操作并执行对应的 Job。
type Processor struct {
	service     *Service
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorMetrics 记录操作结果计数。
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动操作处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置操作消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.service == nil || p.service.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	store := p.service.store
	op, err := store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrCompleted) || stdErrors.Is(err, ErrExhausted) {
			p.logDebug("跳过操作", slog.String("operation_id", id), slog.String("reason", err.Error()))
			p.service.release(id)
			return nil
		}
		if stdErrors.Is(err, ErrConflict) {
			// 重复投递：操作仍在执行，作业归当前执行者所有。
			p.logDebug("跳过执行中的操作", slog.String("operation_id", id))
			return nil
		}
		logger.L().Error("领取操作失败", slog.Any("error", err), slog.String("operation_id", id))
		p.emitAlert(ctx, &Operation{ID: id}, xerrors.CodeOf(err), err, "claim")
		return err
	}
	p.metrics.IncOperation(string(op.Kind), string(StatusRunning))

	job, ok := p.service.job(id)
	if !ok {
		// 进程重启后内存中的会话与证据已经丢失。
		orphaned := xerrors.New(CodeOperationOrphaned, "")
		return p.handleExecutionFailure(ctx, op, nil, orphaned)
	}

	started := time.Now()
	result, execErr := job.Execute(ctx)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, op, result, execErr)
	}
	var record Result
	if result != nil {
		record = *result
	}
	if err := store.MarkSucceeded(ctx, op.ID, record); err != nil {
		// 链上结果已产生，不能重新执行，只记录失败。
		logger.L().Error("标记操作成功状态失败", slog.Any("error", err), slog.String("operation_id", op.ID))
		p.service.release(op.ID)
		p.emitAlert(ctx, op, xerrors.CodeStorageFailure, err, "mark_succeeded")
		return nil
	}
	p.service.release(op.ID)
	p.metrics.IncOperation(string(op.Kind), string(StatusSucceeded))
	logger.Audit().Info("操作执行成功",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("address", op.Address),
		slog.Any("tx_hashes", record.TxHashes),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// handleExecutionFailure 记录失败。产生过链上结果的操作不会被重新执行。
func (p *Processor) handleExecutionFailure(ctx context.Context, op *Operation, result *Result, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeOperationFailed
	}
	retryable := xerrors.RetryableError(execErr) && result == nil
	terminal := op.Attempts >= op.MaxRetries || !retryable

	failure := Failure{Code: code, Message: execErr.Error(), Terminal: terminal, Result: result}
	if storeErr := p.service.store.MarkFailed(ctx, op.ID, failure); storeErr != nil {
		// 状态停留在 running，重投只会命中冲突，交由告警人工处理。
		logger.L().Error("标记操作失败状态出错", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
		p.service.release(op.ID)
		p.emitAlert(ctx, op, xerrors.CodeStorageFailure, storeErr, "mark_failed")
		return nil
	}
	p.metrics.IncOperation(string(op.Kind), string(StatusFailed))
	logger.Audit().Warn("操作执行失败",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", op.Attempts),
		slog.Int("max_retries", op.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		p.service.release(op.ID)
	}
	if xerrors.ShouldAlert(execErr) || code == CodeOperationFailed {
		p.emitAlert(ctx, op, code, execErr, stage)
	}

	if !terminal {
		if pubErr := p.service.producer.Publish(ctx, op.ID); pubErr != nil {
			p.service.release(op.ID)
			return xerrors.Wrap(CodeOperationPublish, pubErr, fmt.Sprintf("操作 %s 重投失败", op.ID))
		}
		p.logDebug("操作已重新排队", slog.String("operation_id", op.ID), slog.Int("attempts", op.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, op *Operation, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || op == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		message = cause.Error()
		if e, ok := xerrors.From(cause); ok {
			for k, v := range e.Metadata() {
				metadata[k] = v
			}
		}
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    xerrors.SeverityOf(cause),
		Category:    attrs.Category,
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Address:     op.Address,
		Attempts:    op.Attempts,
		MaxRetries:  op.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("operation_id", op.ID),
			slog.String("stage", stage),
		)
	}
}
