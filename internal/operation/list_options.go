package operation

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing operations.
type SortOrder int

const (
	// SortByUpdatedDesc orders operations by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders operations by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
	// SortByCreatedDesc orders operations by submission, newest first.
	SortByCreatedDesc
)

// ListOptions controls how operations are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []Kind
	Address    string
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalize(opts.Statuses, IsValidStatus)
	}
	if opts.Kinds != nil {
		opts.Kinds = normalize(opts.Kinds, IsValidKind)
	}
	switch opts.Order {
	case SortByUpdatedAsc, SortByCreatedDesc:
	default:
		opts.Order = SortByUpdatedDesc
	}
	opts.Address = strings.ToLower(strings.TrimSpace(opts.Address))
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of operations returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching operations before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters operations by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithKinds filters operations by kind.
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithAddress restricts results to one account. Matching is case-insensitive.
func WithAddress(address string) ListOption {
	return func(opts *ListOptions) {
		opts.Address = address
	}
}

// WithUpdatedSince filters operations updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.UnixMilli()
	}
}

// WithUpdatedUntil filters operations updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.UnixMilli()
	}
}

// WithSortOrder changes the returned order of operations.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalize[T comparable](input []T, valid func(T) bool) []T {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[T]struct{}, len(input))
	result := make([]T, 0, len(input))
	for _, v := range input {
		if !valid(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Matches reports whether op satisfies the filters in opts. Paging is not
// applied.
func (opts ListOptions) Matches(op *Operation) bool {
	if len(opts.Statuses) > 0 && !contains(opts.Statuses, op.Status) {
		return false
	}
	if len(opts.Kinds) > 0 && !contains(opts.Kinds, op.Kind) {
		return false
	}
	if opts.Address != "" && !strings.EqualFold(op.Address, opts.Address) {
		return false
	}
	if opts.UpdatedGTE > 0 && op.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && op.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Normalized returns a copy of opts with defaults applied, for Store
// implementations outside this package.
func (opts ListOptions) Normalized() ListOptions {
	opts.applyDefaults()
	return opts
}
