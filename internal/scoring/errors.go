package scoring

import (
	"fmt"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
)

const (
	CodeScoresNotCommitted xerrors.Code = "SCORES_NOT_COMMITTED"
	CodePartialCommit      xerrors.Code = "PARTIAL_COMMIT"
)

func init() {
	xerrors.Register(CodeScoresNotCommitted, xerrors.Attributes{
		Message:  "scores were not committed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryPartial,
	})
	xerrors.Register(CodePartialCommit, xerrors.Attributes{
		Message:   "scores committed, profile link failed",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryPartial,
		Retryable: true,
		Alert:     true,
	})
}

// PartialCommitError reports that the scores transaction succeeded while
// anchoring or linking the details did not. It carries what RetryProfileLink
// needs to redo only the missing steps.
type PartialCommitError struct {
	Scores      ledger.Scores
	Digest      string
	Details     []byte
	DisplayName string
	Cause       error
}

func (e *PartialCommitError) Error() string {
	if e.Digest != "" {
		return fmt.Sprintf("[%s] scores committed, linking %s failed: %v", CodePartialCommit, e.Digest, e.Cause)
	}
	return fmt.Sprintf("[%s] scores committed, anchoring details failed: %v", CodePartialCommit, e.Cause)
}

// Unwrap exposes the coded form so errors.Is and xerrors.CodeOf see PARTIAL_COMMIT
// and the underlying cause.
func (e *PartialCommitError) Unwrap() error {
	opts := []xerrors.Option{}
	if e.Digest != "" {
		opts = append(opts, xerrors.WithMetadata("digest", e.Digest))
	}
	return xerrors.Wrap(CodePartialCommit, e.Cause, "", opts...)
}
