package scoring

import (
	"fmt"
	"math"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/oracle"
)

// Reconcile merges report into prior. Categories the report did not evaluate
// keep their prior value. The overall score is the reported one when present,
// otherwise the truncated mean of the merged categories.
func Reconcile(prior ledger.Scores, report *oracle.ScoreReport) (ledger.Scores, error) {
	merged := prior
	fields := []struct {
		category oracle.Category
		dst      *uint8
	}{
		{oracle.CategoryFinancial, &merged.Financial},
		{oracle.CategoryProfessional, &merged.Professional},
		{oracle.CategorySocial, &merged.Social},
	}
	for _, f := range fields {
		v, ok := report.Score(f.category)
		if !ok {
			continue
		}
		score, err := truncate(string(f.category), v)
		if err != nil {
			return ledger.Scores{}, err
		}
		*f.dst = score
	}

	if report != nil && report.Overall != nil {
		overall, err := truncate("overall", *report.Overall)
		if err != nil {
			return ledger.Scores{}, err
		}
		merged.Overall = overall
	} else {
		sum := int(merged.Financial) + int(merged.Professional) + int(merged.Social)
		merged.Overall = uint8(sum / 3)
	}

	if err := merged.Validate(); err != nil {
		return ledger.Scores{}, err
	}
	return merged, nil
}

func truncate(name string, v float64) (uint8, error) {
	if math.IsNaN(v) || v < 0 || v > ledger.MaxScore {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s score %v outside 0..%d", name, v, ledger.MaxScore))
	}
	return uint8(math.Trunc(v)), nil
}
