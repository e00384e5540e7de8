package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/wallet"
)

var testChainID = big.NewInt(1001)

type revertError struct {
	data string
}

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

type fakeBackend struct {
	t   *testing.T
	abi abi.ABI

	mu       sync.Mutex
	revert   string
	sent     []*coretypes.Transaction
	receipts map[common.Hash]*coretypes.Receipt
	refs     []referenceTuple
}

func newFakeBackend(t *testing.T) *fakeBackend {
	parsed, err := abi.JSON(strings.NewReader(TrustNetABI))
	require.NoError(t, err)
	return &fakeBackend{t: t, abi: parsed, receipts: make(map[common.Hash]*coretypes.Receipt)}
}

func (b *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := b.abi.MethodById(msg.Data[:4])
	require.NoError(b.t, err)
	switch method.Name {
	case "getProfile":
		return method.Outputs.Pack("Alice", "bafkreiabc",
			big.NewInt(72), big.NewInt(65), big.NewInt(0), big.NewInt(0), true)
	case "getReferences":
		b.mu.Lock()
		defer b.mu.Unlock()
		return method.Outputs.Pack(b.refs)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revert != "" {
		return nil, revertError{data: encodeRevert(b.t, b.revert)}
	}
	return nil, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(10), BaseFee: big.NewInt(100)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, msg gethcore.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revert != "" {
		return 0, revertError{data: encodeRevert(b.t, b.revert)}
	}
	return 50_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return r, nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 11, nil }

func (b *fakeBackend) mine(hash common.Hash, status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[hash] = &coretypes.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(11)}
}

func newContract(t *testing.T) (*Contract, *fakeBackend, *wallet.KeyHandle) {
	t.Helper()
	backend := newFakeBackend(t)
	c, err := New(backend, common.HexToAddress("0x00000000000000000000000000000000000000aa"), testChainID)
	require.NoError(t, err)
	h, err := wallet.Generate(testChainID)
	require.NoError(t, err)
	return c, backend, h
}

func TestGetProfileDecodesScores(t *testing.T) {
	c, _, h := newContract(t)
	p, err := c.GetProfile(context.Background(), h.Address())
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "bafkreiabc", p.ContentDigest)
	assert.Equal(t, ledger.Scores{Overall: 72, Financial: 65}, p.Scores())
	assert.True(t, p.Active)
}

func TestGetReferencesKeepsLedgerOrder(t *testing.T) {
	c, backend, h := newContract(t)
	backend.refs = []referenceTuple{
		{Name: "John Smith", RelationshipType: "Co-worker", IsVerified: false, Timestamp: big.NewInt(1700000000)},
		{Name: "Jane Doe", RelationshipType: "Manager", IpfsHash: "bafkreixyz", IsVerified: true, Timestamp: big.NewInt(1700000100)},
	}

	refs, err := c.GetReferences(context.Background(), h.Address())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "John Smith", refs[0].Name)
	assert.Equal(t, "under_review", refs[0].Status())
	assert.Equal(t, 1, refs[1].Index)
	assert.Equal(t, "verified", refs[1].Status())
	assert.Equal(t, int64(1700000100), refs[1].CreatedAt.Unix())
}

func TestSendSignsDynamicFeeTransaction(t *testing.T) {
	c, backend, h := newContract(t)

	hash, err := c.Send(context.Background(), h, ledger.Call{
		Method:  ledger.MethodUpdateScores,
		Subject: h.Address(),
		Scores:  ledger.Scores{Overall: 72, Financial: 65},
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(coretypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, int64(202), tx.GasFeeCap().Int64())
	assert.Equal(t, uint64(60_000), tx.Gas())

	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, h.Address(), from)

	method, err := backend.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "updateScores", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(72), args[1].(*big.Int).Int64())
	assert.Equal(t, int64(65), args[2].(*big.Int).Int64())

	r, err := c.Receipt(context.Background(), hash)
	require.NoError(t, err)
	assert.Nil(t, r)

	backend.mine(hash, coretypes.ReceiptStatusSuccessful)
	r, err = c.Receipt(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.Reverted)
	assert.Equal(t, uint64(11), r.BlockNumber)
}

func TestEstimateRevertIsClassified(t *testing.T) {
	c, backend, h := newContract(t)
	backend.revert = "TrustNet: reference already verified"

	_, err := c.Send(context.Background(), h, ledger.Call{Method: ledger.MethodVerifyReference, Subject: h.Address()})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, ledger.CodeAlreadyVerified))
	assert.Empty(t, backend.sent)
}

func TestFailedReceiptReplaysForReason(t *testing.T) {
	c, backend, h := newContract(t)

	hash, err := c.Send(context.Background(), h, ledger.Call{Method: ledger.MethodAuthorizeVerifier, Subject: h.Address()})
	require.NoError(t, err)

	backend.mu.Lock()
	backend.revert = "Ownable: caller is not the owner"
	backend.mu.Unlock()
	backend.mine(hash, coretypes.ReceiptStatusFailed)

	r, err := c.Receipt(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, r.Reverted)
	assert.Equal(t, "Ownable: caller is not the owner", r.Reason)
	assert.True(t, xerrors.HasCode(ledger.Reverted(r.Reason), ledger.CodeUnauthorized))
}

func TestRevertReasonFromMessage(t *testing.T) {
	reason, ok := revertReason(errors.New("execution reverted: TrustNet: invalid reference index"))
	assert.True(t, ok)
	assert.Equal(t, "TrustNet: invalid reference index", reason)

	_, ok = revertReason(errors.New("connection refused"))
	assert.False(t, ok)
}
