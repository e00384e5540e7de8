package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/pkg/logger"
)

// KeyHandle holds a local secp256k1 key and implements TxSigner and Notifier.
type KeyHandle struct {
	mu        sync.RWMutex
	key       *ecdsa.PrivateKey
	address   common.Address
	chainID   *big.Int
	available bool
	approve   Approver

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// Option customises a KeyHandle.
type Option func(*KeyHandle)

// WithApprover installs the prompt approval hook.
func WithApprover(a Approver) Option {
	return func(h *KeyHandle) {
		if a != nil {
			h.approve = a
		}
	}
}

var (
	_ TxSigner = (*KeyHandle)(nil)
	_ Notifier = (*KeyHandle)(nil)
)

// NewKeyHandle wraps an in-memory private key.
func NewKeyHandle(key *ecdsa.PrivateKey, chainID *big.Int, opts ...Option) (*KeyHandle, error) {
	if key == nil {
		return nil, errors.New("私钥不能为空")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("链 ID 必须为正数")
	}
	h := &KeyHandle{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:   new(big.Int).Set(chainID),
		available: true,
		approve:   AutoApprove,
		subs:      make(map[int]chan Event),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// FromHex loads a hex encoded private key, with or without the 0x prefix.
func FromHex(hexKey string, chainID *big.Int, opts ...Option) (*KeyHandle, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewKeyHandle(key, chainID, opts...)
}

// FromKeystore decrypts a go-ethereum keystore v3 file.
func FromKeystore(path, passphrase string, chainID *big.Int, opts ...Option) (*KeyHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 keystore 文件失败: %w", err)
	}
	key, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("解密 keystore 失败: %w", err)
	}
	return NewKeyHandle(key.PrivateKey, chainID, opts...)
}

// Generate creates a handle with a fresh random key.
func Generate(chainID *big.Int, opts ...Option) (*KeyHandle, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("生成私钥失败: %w", err)
	}
	return NewKeyHandle(key, chainID, opts...)
}

func (h *KeyHandle) Address() common.Address {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.address
}

func (h *KeyHandle) ChainID(context.Context) (*big.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.available {
		return nil, ErrNoWalletCapability
	}
	return new(big.Int).Set(h.chainID), nil
}

func (h *KeyHandle) Available() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.available
}

// SignMessage signs msg with the personal_sign scheme; V is 27 or 28.
func (h *KeyHandle) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	key, err := h.activeKey()
	if err != nil {
		return nil, err
	}
	if err := h.approve(ctx, Prompt{Kind: PromptMessage, Message: msg}); err != nil {
		return nil, xerrors.Wrap(CodeUserRejected, err, "")
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, fmt.Errorf("消息签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTx signs tx for chainID using the latest signer rules.
func (h *KeyHandle) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, err := h.activeKey()
	if err != nil {
		return nil, err
	}
	if chainID == nil {
		chainID, _ = h.ChainID(ctx)
	}
	signer := types.LatestSignerForChainID(chainID)
	if err := h.approve(ctx, Prompt{Kind: PromptTransaction, TxHash: signer.Hash(tx)}); err != nil {
		return nil, xerrors.Wrap(CodeUserRejected, err, "")
	}
	return types.SignTx(tx, signer, key)
}

func (h *KeyHandle) activeKey() (*ecdsa.PrivateKey, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.available || h.key == nil {
		return nil, ErrNoWalletCapability
	}
	return h.key, nil
}

// SwitchKey replaces the active key and notifies subscribers.
func (h *KeyHandle) SwitchKey(key *ecdsa.PrivateKey) {
	h.mu.Lock()
	h.key = key
	h.address = crypto.PubkeyToAddress(key.PublicKey)
	addr := h.address
	h.mu.Unlock()
	h.publish(Event{Kind: EventAddressChanged, Address: addr})
}

// SwitchChain changes the reported chain and notifies subscribers.
func (h *KeyHandle) SwitchChain(chainID *big.Int) {
	h.mu.Lock()
	h.chainID = new(big.Int).Set(chainID)
	addr := h.address
	h.mu.Unlock()
	h.publish(Event{Kind: EventChainChanged, Address: addr, ChainID: new(big.Int).Set(chainID)})
}

// Disconnect marks the capability unavailable.
func (h *KeyHandle) Disconnect() {
	h.mu.Lock()
	h.available = false
	addr := h.address
	h.mu.Unlock()
	h.publish(Event{Kind: EventDisconnected, Address: addr})
}

func (h *KeyHandle) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	h.subMu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subMu.Lock()
			delete(h.subs, id)
			h.subMu.Unlock()
			close(ch)
		})
	}
}

func (h *KeyHandle) publish(evt Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			logger.Named("wallet").Warn("钱包事件订阅者缓冲已满，丢弃事件", slog.String("kind", string(evt.Kind)))
		}
	}
}
