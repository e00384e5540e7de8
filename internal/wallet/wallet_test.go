package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TrustNet-Chain/internal/errors"
)

var testChain = big.NewInt(1001)

func TestSignMessageRecoversAddress(t *testing.T) {
	h, err := Generate(testChain)
	require.NoError(t, err)

	msg := []byte("TrustNet Authentication\nAddress: x\nTimestamp: 1")
	sig, err := h.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.True(t, sig[64] == 27 || sig[64] == 28)

	require.NoError(t, VerifyMessage(h.Address(), msg, sig))
	assert.Error(t, VerifyMessage(h.Address(), []byte("tampered"), sig))
}

func TestApproverRejectionMapsToUserRejected(t *testing.T) {
	h, err := Generate(testChain, WithApprover(func(context.Context, Prompt) error {
		return errors.New("denied")
	}))
	require.NoError(t, err)

	_, err = h.SignMessage(context.Background(), []byte("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUserRejected))
	assert.Equal(t, xerrors.CategoryAuthentication, xerrors.CategoryOf(err))
}

func TestSignTxUsesChainSigner(t *testing.T) {
	h, err := Generate(testChain)
	require.NoError(t, err)

	tx := types.NewTx(&types.DynamicFeeTx{ChainID: testChain, Nonce: 1, Gas: 21000, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)})
	signed, err := h.SignTx(context.Background(), tx, testChain)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(testChain), signed)
	require.NoError(t, err)
	assert.Equal(t, h.Address(), from)
}

func TestDisconnectedHandleIsUnavailable(t *testing.T) {
	h, err := Generate(testChain)
	require.NoError(t, err)
	events, cancel := h.Subscribe()
	defer cancel()

	h.Disconnect()
	assert.False(t, h.Available())
	_, err = h.SignMessage(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNoWalletCapability)

	evt := <-events
	assert.Equal(t, EventDisconnected, evt.Kind)
}

func TestSwitchKeyPublishesAddressChange(t *testing.T) {
	h, err := Generate(testChain)
	require.NoError(t, err)
	events, cancel := h.Subscribe()
	defer cancel()

	next, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.SwitchKey(next)

	evt := <-events
	assert.Equal(t, EventAddressChanged, evt.Kind)
	assert.Equal(t, crypto.PubkeyToAddress(next.PublicKey), evt.Address)
	assert.Equal(t, evt.Address, h.Address())
}

func TestGuardRejectsOverlap(t *testing.T) {
	g := NewGuard()
	release, err := g.Acquire(PurposeEvidence)
	require.NoError(t, err)

	_, err = g.Acquire(PurposeAuthentication)
	assert.ErrorIs(t, err, ErrAuthenticationInProgress)
	_, err = g.Acquire(PurposeTransaction)
	assert.ErrorIs(t, err, ErrSigningInProgress)

	p, busy := g.Pending()
	assert.True(t, busy)
	assert.Equal(t, PurposeEvidence, p)

	release()
	release()
	_, busy = g.Pending()
	assert.False(t, busy)

	again, err := g.Acquire(PurposeTransaction)
	require.NoError(t, err)
	again()
}
