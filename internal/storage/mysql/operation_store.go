package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/operation"
)

const operationColumns = `id, kind, address, metadata, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

const (
	insertOperationSQL = `INSERT INTO operations
        (id, kind, address, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	selectOperationSQL = `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`
	claimOperationSQL  = `UPDATE operations SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`
	succeedOperationSQL = `UPDATE operations SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	failOperationSQL    = `UPDATE operations SET status = ?, last_error = ?, error_code = ?, result = COALESCE(?, result),
        attempts = CASE WHEN ? AND attempts < max_retries THEN max_retries ELSE attempts END, updated_at = ? WHERE id = ?`
	statsOperationSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM operations`
)

// OperationStore 使用 MySQL 记录操作状态，实现 operation.Store。
type OperationStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOperationStore 建立连接并执行迁移。
func NewOperationStore(ctx context.Context, cfg Config) (*OperationStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &OperationStore{db: db, now: time.Now}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Create 插入新的操作记录。
func (s *OperationStore) Create(ctx context.Context, op *operation.Operation) error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	if strings.TrimSpace(op.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}

	now := s.now().UnixMilli()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	metadata, err := marshalColumn(op.Metadata, len(op.Metadata) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作 metadata 失败")
	}

	_, err = s.db.ExecContext(ctx, insertOperationSQL,
		op.ID,
		string(op.Kind),
		op.Address,
		metadata,
		string(op.Status),
		op.Attempts,
		op.MaxRetries,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return operation.ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作失败")
	}
	return nil
}

// Get 查询指定操作。
func (s *OperationStore) Get(ctx context.Context, id string) (*operation.Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, selectOperationSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, operation.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作失败")
	}
	return op, nil
}

// Claim 将操作标记为运行中并返回最新状态。
func (s *OperationStore) Claim(ctx context.Context, id string) (*operation.Operation, error) {
	res, err := s.db.ExecContext(ctx, claimOperationSQL,
		string(operation.StatusRunning),
		s.now().UnixMilli(),
		id,
		string(operation.StatusPending),
		string(operation.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新操作状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return op, nil
	}
	switch {
	case op.Status == operation.StatusSucceeded:
		return op, operation.ErrCompleted
	case op.Status == operation.StatusRunning:
		return op, operation.ErrConflict
	case op.Attempts >= op.MaxRetries:
		return op, operation.ErrExhausted
	default:
		return op, operation.ErrConflict
	}
}

// MarkSucceeded 记录成功结果。
func (s *OperationStore) MarkSucceeded(ctx context.Context, id string, result operation.Result) error {
	encoded, err := marshalColumn(result, false)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作结果失败")
	}
	res, err := s.db.ExecContext(ctx, succeedOperationSQL,
		string(operation.StatusSucceeded),
		encoded,
		s.now().UnixMilli(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return operation.ErrNotFound
	}
	return nil
}

// MarkFailed 标记操作失败。终态失败会耗尽剩余的执行次数，部分结果随失败一并保存。
func (s *OperationStore) MarkFailed(ctx context.Context, id string, failure operation.Failure) error {
	encoded, err := marshalColumn(failure.Result, failure.Result == nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作结果失败")
	}
	res, err := s.db.ExecContext(ctx, failOperationSQL,
		string(operation.StatusFailed),
		failure.Message,
		string(failure.Code),
		encoded,
		failure.Terminal,
		s.now().UnixMilli(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return operation.ErrNotFound
	}
	return nil
}

// List 返回符合条件的操作。
func (s *OperationStore) List(ctx context.Context, opts operation.ListOptions) ([]*operation.Operation, error) {
	opts = opts.Normalized()

	query := `SELECT ` + operationColumns + ` FROM operations`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += orderClause(opts.Order) + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	ops := make([]*operation.Operation, 0, opts.Limit)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作记录失败")
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作失败")
	}
	return ops, nil
}

// Stats 返回符合过滤条件的操作聚合信息。
func (s *OperationStore) Stats(ctx context.Context, opts operation.ListOptions) (operation.Stats, error) {
	opts = opts.Normalized()

	query := statsOperationSQL
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(operation.StatusPending),
		string(operation.StatusRunning),
		string(operation.StatusSucceeded),
		string(operation.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats operation.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return operation.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *OperationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*operation.Operation, error) {
	var (
		op        operation.Operation
		kind      string
		status    string
		metadata  sql.NullString
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&op.ID,
		&kind,
		&op.Address,
		&metadata,
		&status,
		&op.Attempts,
		&op.MaxRetries,
		&lastError,
		&op.ErrorCode,
		&result,
		&op.CreatedAt,
		&op.UpdatedAt,
	); err != nil {
		return nil, err
	}
	op.Kind = operation.Kind(kind)
	op.Status = operation.Status(status)
	op.LastError = lastError.String
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &op.Metadata); err != nil {
			return nil, fmt.Errorf("解析操作 metadata 失败: %w", err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		op.Result = &operation.Result{}
		if err := json.Unmarshal([]byte(result.String), op.Result); err != nil {
			return nil, fmt.Errorf("解析操作结果失败: %w", err)
		}
	}
	return &op, nil
}

func marshalColumn(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func orderClause(order operation.SortOrder) string {
	switch order {
	case operation.SortByUpdatedAsc:
		return " ORDER BY updated_at ASC, seq ASC"
	case operation.SortByCreatedDesc:
		return " ORDER BY created_at DESC, seq DESC"
	default:
		return " ORDER BY updated_at DESC, seq DESC"
	}
}

func buildFilterClause(opts operation.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Kinds) > 0 {
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders(len(opts.Kinds))))
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	if opts.Address != "" {
		conditions = append(conditions, "LOWER(address) = ?")
		args = append(args, opts.Address)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ operation.Store = (*OperationStore)(nil)
