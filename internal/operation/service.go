package operation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/pkg/logger"
)

// Job 是操作在进程内的执行体。会话和证据不落盘，只随 Job 保存在内存中。
type Job interface {
	Execute(ctx context.Context) (*Result, error)
}

// JobFunc 将普通函数适配为 Job。
type JobFunc func(ctx context.Context) (*Result, error)

// Execute 实现 Job。
func (f JobFunc) Execute(ctx context.Context) (*Result, error) { return f(ctx) }

// Request 描述一次操作提交。
type Request struct {
	Kind     Kind
	Address  string
	Metadata map[string]string
	Job      Job
}

// Service 负责操作的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int

	mu   sync.Mutex
	jobs map[string]Job
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxRetries 设置单个操作的最大执行次数。
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewService 构造操作服务。默认每个操作只执行一次。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, maxRetries: 1, jobs: make(map[string]Job)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的操作并推送到队列。
func (s *Service) Submit(ctx context.Context, req Request) (*Operation, error) {
	if !IsValidKind(req.Kind) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作类型")
	}
	if req.Job == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "操作缺少执行体")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作服务未初始化")
	}

	op := &Operation{
		ID:         uuid.NewString(),
		Kind:       req.Kind,
		Address:    strings.TrimSpace(req.Address),
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, op); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.jobs[op.ID] = req.Job
	s.mu.Unlock()

	if err := s.producer.Publish(ctx, op.ID); err != nil {
		logger.L().Error("操作入队失败", slog.Any("error", err), slog.String("operation_id", op.ID))
		s.release(op.ID)
		wrapped := xerrors.Wrap(CodeOperationPublish, err, "发布操作到队列失败")
		_ = s.store.MarkFailed(ctx, op.ID, Failure{Code: CodeOperationPublish, Message: wrapped.Error(), Terminal: true})
		return nil, wrapped
	}
	logger.Audit().Info("操作入队成功",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("address", op.Address),
		slog.Int("max_retries", op.MaxRetries),
	)
	return op, nil
}

// Get 返回指定操作的状态。
func (s *Service) Get(ctx context.Context, id string) (*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的操作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的操作统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Latest 返回地址最近提交的操作，没有时返回 nil。
func (s *Service) Latest(ctx context.Context, address string) (*Operation, error) {
	ops, err := s.List(ctx, WithAddress(address), WithSortOrder(SortByCreatedDesc), WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 在 ctx 结束前轮询操作状态，直到其进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}
