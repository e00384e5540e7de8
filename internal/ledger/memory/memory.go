// Package memory provides an in-process TrustNet ledger. It enforces the same
// authorization and bounds rules as the deployed contract and is used for
// local development and tests.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/wallet"
)

// Revert reasons, matching the deployed contract.
const (
	ReasonScoresUnauthorized = "TrustNet: caller not authorized to update scores"
	ReasonScoreTooHigh       = "TrustNet: score exceeds 100"
	ReasonNotVerifier        = "TrustNet: caller is not a verifier"
	ReasonInvalidIndex       = "TrustNet: invalid reference index"
	ReasonAlreadyVerified    = "TrustNet: reference already verified"
	ReasonNotOwner           = "Ownable: caller is not the owner"
)

type record struct {
	profile    ledger.Profile
	references []ledger.Reference
}

type pendingTx struct {
	hash common.Hash
	from common.Address
	call ledger.Call
}

// Ledger is a single-contract in-memory chain.
type Ledger struct {
	mu        sync.Mutex
	chainID   *big.Int
	owner     common.Address
	verifiers map[common.Address]bool
	oracles   map[common.Address]bool
	records   map[common.Address]*record
	receipts  map[common.Hash]*ledger.Receipt
	nonces    map[common.Address]uint64
	pending   []pendingTx
	calls     []ledger.Call
	block     uint64
	manual    bool
	now       func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithChainID sets the chain id used to sign synthetic transactions.
func WithChainID(id *big.Int) Option {
	return func(l *Ledger) {
		if id != nil {
			l.chainID = new(big.Int).Set(id)
		}
	}
}

// WithManualMining holds transactions in the pool until Mine is called.
func WithManualMining() Option {
	return func(l *Ledger) { l.manual = true }
}

// WithClock sets the timestamp source for new references.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates a ledger administered by owner. The owner may verify
// references and write scores without further authorization.
func NewLedger(owner common.Address, opts ...Option) *Ledger {
	l := &Ledger{
		chainID:   big.NewInt(1337),
		owner:     owner,
		verifiers: map[common.Address]bool{owner: true},
		oracles:   make(map[common.Address]bool),
		records:   make(map[common.Address]*record),
		receipts:  make(map[common.Hash]*ledger.Receipt),
		nonces:    make(map[common.Address]uint64),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// ChainID returns the chain id of the ledger.
func (l *Ledger) ChainID() *big.Int { return new(big.Int).Set(l.chainID) }

// GetProfile implements ledger.Contract. Unknown addresses read as the zero profile.
func (l *Ledger) GetProfile(_ context.Context, addr common.Address) (ledger.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[addr]; ok {
		return r.profile, nil
	}
	return ledger.Profile{}, nil
}

// GetReferences implements ledger.Contract.
func (l *Ledger) GetReferences(_ context.Context, addr common.Address) ([]ledger.Reference, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[addr]
	if !ok {
		return nil, nil
	}
	out := make([]ledger.Reference, len(r.references))
	copy(out, r.references)
	return out, nil
}

// Send implements ledger.Contract. The call is wrapped in a transaction
// signed by signer so the sender is derived the same way a node would.
func (l *Ledger) Send(ctx context.Context, signer wallet.TxSigner, call ledger.Call) (common.Hash, error) {
	l.mu.Lock()
	nonce := l.nonces[signer.Address()]
	l.nonces[signer.Address()] = nonce + 1
	chainID := new(big.Int).Set(l.chainID)
	l.mu.Unlock()

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       100_000,
		Data:      []byte(call.String()),
	})
	signed, err := signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("recover sender: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	l.pending = append(l.pending, pendingTx{hash: signed.Hash(), from: from, call: call})
	if !l.manual {
		l.mineLocked()
	}
	return signed.Hash(), nil
}

// Receipt implements ledger.Contract.
func (l *Ledger) Receipt(_ context.Context, hash common.Hash) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[hash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// BlockNumber implements ledger.Contract.
func (l *Ledger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

// Mine includes every pooled transaction in a new block and returns its number.
func (l *Ledger) Mine() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
	return l.block
}

// Calls returns every call submitted so far, in submission order.
func (l *Ledger) Calls() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Call, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *Ledger) mineLocked() {
	l.block++
	for _, tx := range l.pending {
		receipt := &ledger.Receipt{TxHash: tx.hash, BlockNumber: l.block}
		if reason := l.applyLocked(tx.from, tx.call); reason != "" {
			receipt.Reverted = true
			receipt.Reason = reason
		}
		l.receipts[tx.hash] = receipt
	}
	l.pending = nil
}

func (l *Ledger) recordLocked(addr common.Address) *record {
	r, ok := l.records[addr]
	if !ok {
		r = &record{}
		l.records[addr] = r
	}
	return r
}

func (l *Ledger) applyLocked(from common.Address, call ledger.Call) string {
	switch call.Method {
	case ledger.MethodUpdateProfile:
		r := l.recordLocked(from)
		r.profile.DisplayName = call.Name
		r.profile.ContentDigest = call.Digest
		r.profile.Active = true
	case ledger.MethodUpdateScores:
		if from != call.Subject && !l.oracles[from] && from != l.owner {
			return ReasonScoresUnauthorized
		}
		s := call.Scores
		if s.Overall > ledger.MaxScore || s.Financial > ledger.MaxScore ||
			s.Professional > ledger.MaxScore || s.Social > ledger.MaxScore {
			return ReasonScoreTooHigh
		}
		r := l.recordLocked(call.Subject)
		r.profile.Overall = s.Overall
		r.profile.Financial = s.Financial
		r.profile.Professional = s.Professional
		r.profile.Social = s.Social
		r.profile.Active = true
	case ledger.MethodAddReference:
		r := l.recordLocked(from)
		r.references = append(r.references, ledger.Reference{
			Index:            len(r.references),
			Name:             call.Name,
			RelationshipType: call.RelationshipType,
			ContentDigest:    call.Digest,
			CreatedAt:        l.now().UTC().Truncate(time.Second),
		})
	case ledger.MethodVerifyReference:
		if !l.verifiers[from] {
			return ReasonNotVerifier
		}
		r, ok := l.records[call.Subject]
		if !ok || call.Index >= uint64(len(r.references)) {
			return ReasonInvalidIndex
		}
		if r.references[call.Index].Verified {
			return ReasonAlreadyVerified
		}
		r.references[call.Index].Verified = true
	case ledger.MethodAuthorizeVerifier:
		if from != l.owner {
			return ReasonNotOwner
		}
		l.verifiers[call.Subject] = true
	case ledger.MethodAuthorizeOracle:
		if from != l.owner {
			return ReasonNotOwner
		}
		l.oracles[call.Subject] = true
	default:
		return fmt.Sprintf("TrustNet: unknown method %s", call.Method)
	}
	return ""
}
