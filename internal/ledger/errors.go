package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TrustNet-Chain/internal/errors"
)

const (
	CodeLedgerUnreachable   xerrors.Code = "LEDGER_UNREACHABLE"
	CodeTransactionRejected xerrors.Code = "TRANSACTION_REJECTED"
	CodeTransactionReverted xerrors.Code = "TRANSACTION_REVERTED"
	CodeTransactionPending  xerrors.Code = "TRANSACTION_PENDING"
	CodeUnauthorized        xerrors.Code = "UNAUTHORIZED"
	CodeIndexOutOfRange     xerrors.Code = "INDEX_OUT_OF_RANGE"
	CodeAlreadyVerified     xerrors.Code = "ALREADY_VERIFIED"
)

func init() {
	xerrors.Register(CodeLedgerUnreachable, xerrors.Attributes{
		Message:   "ledger unreachable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryTransient,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTransactionRejected, xerrors.Attributes{
		Message:  "transaction rejected by the ledger node",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryLedger,
		Alert:    true,
	})
	xerrors.Register(CodeTransactionReverted, xerrors.Attributes{
		Message:  "transaction reverted",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryLedger,
	})
	xerrors.Register(CodeTransactionPending, xerrors.Attributes{
		Message:  "transaction dispatched, stopped waiting for finality",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryLedger,
	})
	for code, msg := range map[xerrors.Code]string{
		CodeUnauthorized:    "caller lacks ledger authorization",
		CodeIndexOutOfRange: "reference index out of range",
		CodeAlreadyVerified: "reference already verified",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityInfo,
			Category: xerrors.CategoryAuthorization,
		})
	}
}

// Rejected wraps a node-side refusal to accept a transaction.
func Rejected(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeTransactionRejected, err, "")
}

// Unreachable wraps a failed read or receipt lookup.
func Unreachable(err error) error {
	return xerrors.Wrap(CodeLedgerUnreachable, err, "")
}

// Reverted maps a revert reason onto the closest typed outcome.
func Reverted(reason string, opts ...xerrors.Option) error {
	lower := strings.ToLower(reason)
	opts = append([]xerrors.Option{xerrors.WithMetadata("reason", reason)}, opts...)
	switch {
	case strings.Contains(lower, "already verified"):
		return xerrors.New(CodeAlreadyVerified, reason, opts...)
	case strings.Contains(lower, "index"), strings.Contains(lower, "out-of-bounds"):
		return xerrors.New(CodeIndexOutOfRange, reason, opts...)
	case strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "not a verifier"),
		strings.Contains(lower, "not the owner"),
		strings.Contains(lower, "caller is not"):
		return xerrors.New(CodeUnauthorized, reason, opts...)
	}
	return xerrors.New(CodeTransactionReverted, reason, opts...)
}

// RevertReason returns the revert reason carried by err.
func RevertReason(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Meta("reason")
	}
	return ""
}

// TxHashOf returns the transaction hash attached to a pending or reverted error.
func TxHashOf(err error) (common.Hash, bool) {
	e, ok := xerrors.From(err)
	if !ok || e.Meta("tx_hash") == "" {
		return common.Hash{}, false
	}
	return common.HexToHash(e.Meta("tx_hash")), true
}

func invalidScore(name string, v int) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s score %d outside 0..%d", name, v, MaxScore))
}
