package session

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/wallet"
)

var chain = big.NewInt(1001)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingHandle wraps a KeyHandle and records signature requests.
type countingHandle struct {
	*wallet.KeyHandle
	chain   *big.Int
	signs   atomic.Int32
	block   chan struct{}
	started chan struct{}
}

func (h *countingHandle) ChainID(ctx context.Context) (*big.Int, error) {
	if h.chain != nil {
		return h.chain, nil
	}
	return h.KeyHandle.ChainID(ctx)
}

func (h *countingHandle) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	h.signs.Add(1)
	if h.started != nil {
		close(h.started)
	}
	if h.block != nil {
		<-h.block
	}
	return h.KeyHandle.SignMessage(ctx, msg)
}

func newHandle(t *testing.T) *countingHandle {
	t.Helper()
	kh, err := wallet.Generate(chain)
	require.NoError(t, err)
	return &countingHandle{KeyHandle: kh}
}

func TestBeginEstablishesSession(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	auth := NewAuthenticator(Config{ChainID: chain, TTL: 30 * time.Minute}, nil, WithClock(clock.Now))
	h := newHandle(t)

	s, err := auth.Begin(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, h.Address(), s.Address)
	assert.Equal(t, clock.Now(), s.IssuedAt)
	assert.Equal(t, clock.Now().Add(30*time.Minute), s.ExpiresAt)
	assert.Same(t, s, auth.Current())
	assert.EqualValues(t, 1, h.signs.Load())
}

func TestCurrentReturnsNilOnceExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	auth := NewAuthenticator(Config{ChainID: chain, TTL: time.Minute}, nil, WithClock(clock.Now))

	s, err := auth.Begin(context.Background(), newHandle(t))
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	require.NotNil(t, auth.Current())

	clock.Advance(time.Second)
	assert.Nil(t, auth.Current(), "session must be gone at now == expiresAt")
	assert.True(t, xerrors.HasCode(Require(s, clock.Now()), CodeUnauthenticated))

	clock.Advance(time.Hour)
	assert.Nil(t, auth.Current())
}

func TestWrongNetworkFailsBeforeSigning(t *testing.T) {
	auth := NewAuthenticator(Config{ChainID: chain}, nil)
	h := newHandle(t)
	h.chain = big.NewInt(1)

	_, err := auth.Begin(context.Background(), h)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeWrongNetwork))
	assert.Zero(t, h.signs.Load())
	assert.Nil(t, auth.Current())
}

func TestBeginWithoutCapability(t *testing.T) {
	auth := NewAuthenticator(Config{ChainID: chain}, nil)

	_, err := auth.Begin(context.Background(), nil)
	assert.ErrorIs(t, err, wallet.ErrNoWalletCapability)

	h := newHandle(t)
	h.Disconnect()
	_, err = auth.Begin(context.Background(), h)
	assert.ErrorIs(t, err, wallet.ErrNoWalletCapability)
}

func TestUserRejectionSurfaces(t *testing.T) {
	kh, err := wallet.Generate(chain, wallet.WithApprover(func(context.Context, wallet.Prompt) error {
		return context.Canceled
	}))
	require.NoError(t, err)
	auth := NewAuthenticator(Config{ChainID: chain}, nil)

	_, err = auth.Begin(context.Background(), kh)
	assert.True(t, xerrors.HasCode(err, wallet.CodeUserRejected))
	assert.Equal(t, xerrors.CategoryAuthentication, xerrors.CategoryOf(err))
}

func TestConcurrentBeginRejected(t *testing.T) {
	auth := NewAuthenticator(Config{ChainID: chain}, nil)
	h := newHandle(t)
	h.block = make(chan struct{})
	h.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := auth.Begin(context.Background(), h)
		done <- err
	}()
	<-h.started

	_, err := auth.Begin(context.Background(), newHandle(t))
	assert.ErrorIs(t, err, wallet.ErrAuthenticationInProgress)

	close(h.block)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, h.signs.Load())
}

func TestInvalidateRevokesSession(t *testing.T) {
	auth := NewAuthenticator(Config{ChainID: chain}, nil)
	s, err := auth.Begin(context.Background(), newHandle(t))
	require.NoError(t, err)
	before := auth.Epoch()

	auth.Invalidate("disconnect")
	assert.Nil(t, auth.Current())
	assert.True(t, s.Revoked())
	assert.Greater(t, auth.Epoch(), before)
	assert.Error(t, Require(s, time.Now()))
}

func TestWatchInvalidatesOnAddressChange(t *testing.T) {
	auth := NewAuthenticator(Config{ChainID: chain}, nil)
	kh, err := wallet.Generate(chain)
	require.NoError(t, err)
	_, err = auth.Begin(context.Background(), kh)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		auth.Watch(ctx, kh)
		close(done)
	}()

	next, err := crypto.GenerateKey()
	require.NoError(t, err)
	// Subscription is registered asynchronously; keep switching until observed.
	require.Eventually(t, func() bool {
		kh.SwitchKey(next)
		return auth.Current() == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestChallengeFormat(t *testing.T) {
	addr := common.HexToAddress("0xAB00000000000000000000000000000000000012")
	got := string(Challenge(addr, time.UnixMilli(1700000000123)))
	assert.Equal(t, "TrustNet Authentication\nAddress: "+addr.Hex()+"\nTimestamp: 1700000000123", got)
}

type chainlessHandle struct {
	*wallet.KeyHandle
}

func (chainlessHandle) ChainID(context.Context) (*big.Int, error) { return nil, nil }

func TestBeginWithoutChainID(t *testing.T) {
	kh, err := wallet.Generate(chain)
	require.NoError(t, err)
	auth := NewAuthenticator(Config{ChainID: chain}, nil)

	var s *Session
	assert.NotPanics(t, func() {
		s, err = auth.Begin(context.Background(), chainlessHandle{kh})
	})
	assert.Nil(t, s)
	assert.True(t, xerrors.HasCode(err, wallet.CodeNoWalletCapability), "got %v", err)
	assert.Nil(t, auth.Current())
}
