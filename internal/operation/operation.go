package operation

import (
	"encoding/json"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
)

// Status 表示操作在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind 表示操作类型。
type Kind string

const (
	KindScoreRun        Kind = "score_run"
	KindProfileLink     Kind = "profile_link"
	KindReferenceAdd    Kind = "reference_add"
	KindReferenceVerify Kind = "reference_verify"
)

// PartialCommit 保存评分已上链而档案链接失败时，重试链接所需的数据。
type PartialCommit struct {
	Scores      ledger.Scores   `json:"scores"`
	Digest      string          `json:"digest,omitempty"`
	Details     json.RawMessage `json:"details"`
	DisplayName string          `json:"display_name"`
}

// Result 保存一次操作执行后的链上结果。
type Result struct {
	Scores   *ledger.Scores `json:"scores,omitempty"`
	Digest   string         `json:"digest,omitempty"`
	TxHashes []string       `json:"tx_hashes,omitempty"`
	Partial  *PartialCommit `json:"partial,omitempty"`
}

// Operation 描述一次排队执行的信任操作。
type Operation struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Address    string            `json:"address"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *Result           `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Terminal 判断操作是否已结束。
func (o *Operation) Terminal() bool {
	return o != nil && (o.Status == StatusSucceeded || (o.Status == StatusFailed && o.Attempts >= o.MaxRetries))
}

// Failure 描述一次失败的执行。Result 在部分成功时记录已产生的链上结果。
type Failure struct {
	Code     xerrors.Code
	Message  string
	Terminal bool
	Result   *Result
}

const (
	CodeOperationNotFound     xerrors.Code = "OPERATION_NOT_FOUND"
	CodeOperationConflict     xerrors.Code = "OPERATION_CONFLICT"
	CodeOperationCompleted    xerrors.Code = "OPERATION_COMPLETED"
	CodeOperationExhausted    xerrors.Code = "OPERATION_RETRIES_EXHAUSTED"
	CodeOperationPublish      xerrors.Code = "OPERATION_PUBLISH_FAILED"
	CodeOperationOrphaned     xerrors.Code = "OPERATION_ORPHANED"
	CodeOperationNotRetryable xerrors.Code = "OPERATION_NOT_RETRYABLE"
	CodeOperationFailed       xerrors.Code = "OPERATION_FAILED"
)

var (
	// ErrNotFound 表示指定的操作不存在。
	ErrNotFound = xerrors.New(CodeOperationNotFound, "operation not found")
	// ErrConflict 表示操作在当前状态下无法进行所请求的动作。
	ErrConflict = xerrors.New(CodeOperationConflict, "operation conflict")
	// ErrCompleted 表示操作已经成功完成。
	ErrCompleted = xerrors.New(CodeOperationCompleted, "operation already completed")
	// ErrExhausted 表示操作的执行次数已经耗尽。
	ErrExhausted = xerrors.New(CodeOperationExhausted, "operation retries exhausted")
)

func init() {
	xerrors.Register(CodeOperationNotFound, xerrors.Attributes{
		Message:  "operation not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeOperationConflict, xerrors.Attributes{
		Message:  "operation conflict",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeOperationCompleted, xerrors.Attributes{
		Message:  "operation already completed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeOperationExhausted, xerrors.Attributes{
		Message:  "operation retries exhausted",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
	xerrors.Register(CodeOperationPublish, xerrors.Attributes{
		Message:   "failed to publish operation",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryTransient,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOperationOrphaned, xerrors.Attributes{
		Message:  "operation input lost before execution",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
	xerrors.Register(CodeOperationNotRetryable, xerrors.Attributes{
		Message:  "operation cannot be retried",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeOperationFailed, xerrors.Attributes{
		Message:  "operation failed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidKind 检查操作类型。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindScoreRun, KindProfileLink, KindReferenceAdd, KindReferenceVerify:
		return true
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Scores != nil {
		scores := *r.Scores
		clone.Scores = &scores
	}
	clone.TxHashes = append([]string(nil), r.TxHashes...)
	if r.Partial != nil {
		partial := *r.Partial
		partial.Details = append(json.RawMessage(nil), r.Partial.Details...)
		clone.Partial = &partial
	}
	return &clone
}

func cloneOperation(op *Operation) *Operation {
	clone := *op
	clone.Metadata = cloneMetadata(op.Metadata)
	clone.Result = cloneResult(op.Result)
	return &clone
}
