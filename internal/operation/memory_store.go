package operation

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "TrustNet-Chain/internal/errors"
)

// MemoryStore 以内存方式保存操作状态，用于测试和单进程部署。
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*entry
	seq uint64
}

type entry struct {
	op  *Operation
	seq uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*entry)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	if op.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}
	if _, ok := m.ops[op.ID]; ok {
		return ErrConflict
	}
	now := time.Now().UnixMilli()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	m.seq++
	m.ops[op.ID] = &entry{op: cloneOperation(op), seq: m.seq}
	return nil
}

// Get 返回操作。
func (m *MemoryStore) Get(_ context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOperation(e.op), nil
}

// Claim 将操作状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	op := e.op
	switch op.Status {
	case StatusSucceeded:
		return cloneOperation(op), ErrCompleted
	case StatusRunning:
		return cloneOperation(op), ErrConflict
	}
	if op.Attempts >= op.MaxRetries {
		return cloneOperation(op), ErrExhausted
	}
	op.Status = StatusRunning
	op.Attempts++
	op.LastError = ""
	op.ErrorCode = ""
	op.UpdatedAt = time.Now().UnixMilli()
	return cloneOperation(op), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	e.op.Status = StatusSucceeded
	e.op.Result = cloneResult(&result)
	e.op.LastError = ""
	e.op.ErrorCode = ""
	e.op.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// MarkFailed 标记操作失败。终态失败会耗尽剩余的执行次数。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	e.op.Status = StatusFailed
	e.op.LastError = failure.Message
	e.op.ErrorCode = string(failure.Code)
	if failure.Result != nil {
		e.op.Result = cloneResult(failure.Result)
	}
	if failure.Terminal && e.op.Attempts < e.op.MaxRetries {
		e.op.Attempts = e.op.MaxRetries
	}
	e.op.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// List 返回符合条件的操作。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matched := make([]*entry, 0, len(m.ops))
	for _, e := range m.ops {
		if opts.Matches(e.op) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch opts.Order {
		case SortByUpdatedAsc:
			if a.op.UpdatedAt == b.op.UpdatedAt {
				return a.seq < b.seq
			}
			return a.op.UpdatedAt < b.op.UpdatedAt
		case SortByCreatedDesc:
			if a.op.CreatedAt == b.op.CreatedAt {
				return a.seq > b.seq
			}
			return a.op.CreatedAt > b.op.CreatedAt
		default:
			if a.op.UpdatedAt == b.op.UpdatedAt {
				return a.seq > b.seq
			}
			return a.op.UpdatedAt > b.op.UpdatedAt
		}
	})

	if opts.Offset >= len(matched) {
		return []*Operation{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	results := make([]*Operation, 0, len(matched))
	for _, e := range matched {
		results = append(results, cloneOperation(e.op))
	}
	return results, nil
}

// Stats 统计符合过滤条件的操作数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, e := range m.ops {
		if opts.Matches(e.op) {
			stats.add(e.op.Status, e.op.UpdatedAt)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
