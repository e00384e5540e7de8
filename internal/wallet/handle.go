package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Handle is the signing capability consumed by the session and evidence paths.
type Handle interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	// SignMessage returns an EIP-191 personal signature over msg.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	Available() bool
}

// TxSigner is a Handle that can also authorize ledger transactions.
type TxSigner interface {
	Handle
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// EventKind distinguishes wallet change notifications.
type EventKind string

const (
	EventAddressChanged EventKind = "address_changed"
	EventChainChanged   EventKind = "chain_changed"
	EventDisconnected   EventKind = "disconnected"
)

// Event is pushed by the wallet whenever the active account or chain changes.
type Event struct {
	Kind    EventKind
	Address common.Address
	ChainID *big.Int
}

// Notifier exposes wallet change notifications.
type Notifier interface {
	Subscribe() (<-chan Event, func())
}

// PromptKind describes what the signer is being asked to approve.
type PromptKind string

const (
	PromptMessage     PromptKind = "message"
	PromptTransaction PromptKind = "transaction"
)

// Prompt is handed to an Approver before any signature is produced.
type Prompt struct {
	Kind    PromptKind
	Message []byte
	TxHash  common.Hash
}

// Approver decides whether a signature prompt is accepted. Returning a
// non-nil error declines the prompt.
type Approver func(ctx context.Context, p Prompt) error

// AutoApprove accepts every prompt. Used by the headless daemon where the
// operator supplied the key explicitly.
func AutoApprove(context.Context, Prompt) error { return nil }
