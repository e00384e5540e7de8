package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxScore is the upper bound the ledger accepts for every score field.
const MaxScore = 100

// Profile is the on-ledger record of one address.
type Profile struct {
	DisplayName   string `json:"display_name"`
	ContentDigest string `json:"content_digest,omitempty"`
	Overall       uint8  `json:"overall_score"`
	Financial     uint8  `json:"financial_score"`
	Professional  uint8  `json:"professional_score"`
	Social        uint8  `json:"social_score"`
	Active        bool   `json:"active"`
}

// Scores returns the four score fields of p.
func (p Profile) Scores() Scores {
	return Scores{Overall: p.Overall, Financial: p.Financial, Professional: p.Professional, Social: p.Social}
}

// Scores is the unit written by one updateScores transaction.
type Scores struct {
	Overall      uint8 `json:"overall"`
	Financial    uint8 `json:"financial"`
	Professional uint8 `json:"professional"`
	Social       uint8 `json:"social"`
}

// Validate rejects values the ledger would revert on.
func (s Scores) Validate() error {
	for name, v := range map[string]uint8{
		"overall":      s.Overall,
		"financial":    s.Financial,
		"professional": s.Professional,
		"social":       s.Social,
	} {
		if v > MaxScore {
			return invalidScore(name, int(v))
		}
	}
	return nil
}

// Reference is one attestation in an address's append-only reference list.
type Reference struct {
	Index            int       `json:"index"`
	Name             string    `json:"name"`
	RelationshipType string    `json:"relationship_type"`
	ContentDigest    string    `json:"content_digest,omitempty"`
	Verified         bool      `json:"verified"`
	CreatedAt        time.Time `json:"created_at"`
}

// Status renders the attestation lifecycle state.
func (r Reference) Status() string {
	if r.Verified {
		return "verified"
	}
	return "under_review"
}

// NewestFirst returns a copy of refs in display order. Ledger order stays
// authoritative; Index keeps the ledger position.
func NewestFirst(refs []Reference) []Reference {
	out := make([]Reference, len(refs))
	copy(out, refs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index > out[j].Index })
	return out
}

// Method names a mutating contract function.
type Method string

const (
	MethodUpdateProfile     Method = "updateProfile"
	MethodUpdateScores      Method = "updateScores"
	MethodAddReference      Method = "addReference"
	MethodVerifyReference   Method = "verifyReference"
	MethodAuthorizeVerifier Method = "authorizeVerifier"
	MethodAuthorizeOracle   Method = "authorizeAI"
)

// Call is a mutating contract invocation. Only the fields relevant to Method
// are read by bindings.
type Call struct {
	Method           Method
	Subject          common.Address
	Name             string
	RelationshipType string
	Digest           string
	Index            uint64
	Scores           Scores
}

func (c Call) String() string {
	switch c.Method {
	case MethodUpdateScores:
		return fmt.Sprintf("%s(%s, %d, %d, %d, %d)", c.Method, c.Subject.Hex(),
			c.Scores.Overall, c.Scores.Financial, c.Scores.Professional, c.Scores.Social)
	case MethodVerifyReference:
		return fmt.Sprintf("%s(%s, %d)", c.Method, c.Subject.Hex(), c.Index)
	case MethodAuthorizeVerifier, MethodAuthorizeOracle:
		return fmt.Sprintf("%s(%s)", c.Method, c.Subject.Hex())
	default:
		return fmt.Sprintf("%s(%q, %q)", c.Method, c.Name, c.Digest)
	}
}

// Receipt reports the inclusion of a transaction.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	Reverted    bool        `json:"reverted,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}
