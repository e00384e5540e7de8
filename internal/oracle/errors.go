package oracle

import xerrors "TrustNet-Chain/internal/errors"

const (
	CodeOracleUnreachable xerrors.Code = "ORACLE_UNREACHABLE"
	CodeOracleRejected    xerrors.Code = "ORACLE_REJECTED"
)

func init() {
	xerrors.Register(CodeOracleUnreachable, xerrors.Attributes{
		Message:   "scoring oracle unreachable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryTransient,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOracleRejected, xerrors.Attributes{
		Message:  "scoring oracle rejected the request",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
}

// Reason extracts the oracle's rejection reason from err.
func Reason(err error) string {
	if e, ok := xerrors.From(err); ok && e.Code() == CodeOracleRejected {
		return e.Meta("reason")
	}
	return ""
}

func rejected(reason string) error {
	return xerrors.New(CodeOracleRejected, reason, xerrors.WithMetadata("reason", reason))
}

func invalid(msg string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, msg)
}
