// Package ethereum binds the TrustNet contract on an EVM chain.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/wallet"
)

// Backend is the subset of ethclient.Client the binding needs.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config describes how to reach a deployed contract.
type Config struct {
	RPCURL          string
	ContractAddress string
	// ChainID is queried from the node when nil.
	ChainID *big.Int
}

// Contract implements ledger.Contract over JSON-RPC.
type Contract struct {
	backend Backend
	address common.Address
	chainID *big.Int
	abi     abi.ABI
	closer  func()

	mu   sync.Mutex
	sent map[common.Hash]gethcore.CallMsg
}

var _ ledger.Contract = (*Contract)(nil)

type referenceTuple struct {
	Name             string
	RelationshipType string
	IpfsHash         string
	IsVerified       bool
	Timestamp        *big.Int
}

// New binds the contract at address through backend.
func New(backend Backend, address common.Address, chainID *big.Int) (*Contract, error) {
	if backend == nil {
		return nil, errors.New("未提供链访问后端")
	}
	if address == (common.Address{}) {
		return nil, errors.New("未配置合约地址")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("链 ID 必须为正数")
	}
	parsed, err := abi.JSON(strings.NewReader(TrustNetABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	return &Contract{
		backend: backend,
		address: address,
		chainID: new(big.Int).Set(chainID),
		abi:     parsed,
		sent:    make(map[common.Hash]gethcore.CallMsg),
	}, nil
}

// Dial connects to cfg.RPCURL and binds the configured contract.
func Dial(ctx context.Context, cfg Config) (*Contract, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("合约地址无效: %q", cfg.ContractAddress)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	chainID := cfg.ChainID
	if chainID == nil {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}
	c, err := New(client, common.HexToAddress(cfg.ContractAddress), chainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// Close releases the RPC connection when the contract owns one.
func (c *Contract) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain transactions are signed for.
func (c *Contract) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Address returns the contract address.
func (c *Contract) Address() common.Address { return c.address }

func (c *Contract) GetProfile(ctx context.Context, addr common.Address) (ledger.Profile, error) {
	values, err := c.call(ctx, "getProfile", addr)
	if err != nil {
		return ledger.Profile{}, err
	}
	if len(values) != 7 {
		return ledger.Profile{}, fmt.Errorf("getProfile 返回了 %d 个字段", len(values))
	}
	p := ledger.Profile{
		DisplayName:   values[0].(string),
		ContentDigest: values[1].(string),
		Active:        values[6].(bool),
	}
	scores := []*uint8{&p.Overall, &p.Financial, &p.Professional, &p.Social}
	for i, dst := range scores {
		v, err := toScore(values[2+i].(*big.Int))
		if err != nil {
			return ledger.Profile{}, err
		}
		*dst = v
	}
	return p, nil
}

func (c *Contract) GetReferences(ctx context.Context, addr common.Address) ([]ledger.Reference, error) {
	values, err := c.call(ctx, "getReferences", addr)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getReferences 返回了 %d 个字段", len(values))
	}
	tuples := *abi.ConvertType(values[0], new([]referenceTuple)).(*[]referenceTuple)
	refs := make([]ledger.Reference, 0, len(tuples))
	for i, t := range tuples {
		ref := ledger.Reference{
			Index:            i,
			Name:             t.Name,
			RelationshipType: t.RelationshipType,
			ContentDigest:    t.IpfsHash,
			Verified:         t.IsVerified,
		}
		if t.Timestamp != nil && t.Timestamp.IsInt64() {
			ref.CreatedAt = time.Unix(t.Timestamp.Int64(), 0).UTC()
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Send estimates, signs and broadcasts call as an EIP-1559 transaction. A
// revert detected during estimation is reported without broadcasting.
func (c *Contract) Send(ctx context.Context, signer wallet.TxSigner, call ledger.Call) (common.Hash, error) {
	data, err := c.pack(call)
	if err != nil {
		return common.Hash{}, err
	}
	from := signer.Address()
	msg := gethcore.CallMsg{From: from, To: &c.address, Data: data}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, ledger.Unreachable(err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, ledger.Unreachable(err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, ledger.Unreachable(err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	msg.GasTipCap, msg.GasFeeCap = tip, feeCap

	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return common.Hash{}, ledger.Reverted(reason)
		}
		return common.Hash{}, ledger.Rejected(err)
	}
	gas += gas / 5

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.address,
		Data:      data,
	})
	signed, err := signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, ledger.Rejected(err)
	}

	c.mu.Lock()
	c.sent[signed.Hash()] = msg
	c.mu.Unlock()
	return signed.Hash(), nil
}

// Receipt returns nil while the transaction is unmined. For a failed
// transaction sent by this binding the call is replayed to recover the reason.
func (c *Contract) Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unreachable(err)
	}
	out := &ledger.Receipt{TxHash: hash}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status == coretypes.ReceiptStatusFailed {
		out.Reverted = true
		out.Reason = c.replay(ctx, hash, r.BlockNumber)
	}

	c.mu.Lock()
	delete(c.sent, hash)
	c.mu.Unlock()
	return out, nil
}

func (c *Contract) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, ledger.Unreachable(err)
	}
	return n, nil
}

func (c *Contract) replay(ctx context.Context, hash common.Hash, block *big.Int) string {
	c.mu.Lock()
	msg, ok := c.sent[hash]
	c.mu.Unlock()
	if !ok {
		return "execution reverted"
	}
	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, big.NewInt(1))
	}
	_, err := c.backend.CallContract(ctx, msg, at)
	if err == nil {
		return "execution reverted"
	}
	if reason, ok := revertReason(err); ok && reason != "" {
		return reason
	}
	return "execution reverted"
}

func (c *Contract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, ledger.Unreachable(err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeLedgerUnreachable, err, "malformed contract response")
	}
	return values, nil
}

func (c *Contract) pack(call ledger.Call) ([]byte, error) {
	var args []any
	switch call.Method {
	case ledger.MethodUpdateProfile:
		args = []any{call.Name, call.Digest}
	case ledger.MethodUpdateScores:
		s := call.Scores
		args = []any{call.Subject,
			big.NewInt(int64(s.Overall)), big.NewInt(int64(s.Financial)),
			big.NewInt(int64(s.Professional)), big.NewInt(int64(s.Social))}
	case ledger.MethodAddReference:
		args = []any{call.Name, call.RelationshipType, call.Digest}
	case ledger.MethodVerifyReference:
		args = []any{call.Subject, new(big.Int).SetUint64(call.Index)}
	case ledger.MethodAuthorizeVerifier, ledger.MethodAuthorizeOracle:
		args = []any{call.Subject}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported method %s", call.Method))
	}
	data, err := c.abi.Pack(string(call.Method), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode contract call")
	}
	return data, nil
}

// revertReason extracts the reason from an execution error. Nodes return the
// ABI encoded Error(string) as JSON-RPC error data; some only put it in the message.
func revertReason(err error) (string, bool) {
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return reason, true
			}
		}
	}
	msg := err.Error()
	const marker = "execution reverted"
	if i := strings.Index(msg, marker); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len(marker):], ":"))
		return reason, true
	}
	return "", false
}

func toScore(v *big.Int) (uint8, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() || v.Uint64() > ledger.MaxScore {
		return 0, xerrors.New(ledger.CodeLedgerUnreachable, fmt.Sprintf("score %s out of range in contract response", v))
	}
	return uint8(v.Uint64()), nil
}
