package trust_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/operation"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/trust"
	"TrustNet-Chain/internal/wallet"
)

var chainID = big.NewInt(1337)

type stubReader struct {
	profile ledger.Profile
	refs    []ledger.Reference
	err     error
	during  func()
}

func (r *stubReader) GetProfile(context.Context, common.Address) (ledger.Profile, error) {
	if r.during != nil {
		r.during()
	}
	return r.profile, r.err
}

func (r *stubReader) GetReferences(context.Context, common.Address) ([]ledger.Reference, error) {
	return r.refs, nil
}

type stubTracker struct {
	op  *operation.Operation
	err error
}

func (t stubTracker) Latest(context.Context, string) (*operation.Operation, error) {
	return t.op, t.err
}

func begin(t *testing.T) *session.Authenticator {
	t.Helper()
	h, err := wallet.Generate(chainID)
	require.NoError(t, err)
	auth := session.NewAuthenticator(session.Config{ChainID: chainID, TTL: time.Hour}, wallet.NewGuard())
	_, err = auth.Begin(context.Background(), h)
	require.NoError(t, err)
	return auth
}

func TestSnapshotWithoutSessionHasNoLedgerData(t *testing.T) {
	auth := session.NewAuthenticator(session.Config{ChainID: chainID}, wallet.NewGuard())
	reader := &stubReader{during: func() { t.Error("ledger read without a session") }}

	snap, err := trust.NewView(auth, reader).Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Authenticated)
	assert.Nil(t, snap.Profile)
	assert.Nil(t, snap.Session)
}

func TestSnapshotCombinesLedgerAndLastOperation(t *testing.T) {
	auth := begin(t)
	reader := &stubReader{
		profile: ledger.Profile{DisplayName: "alice", Overall: 72, Financial: 65, Active: true},
		refs: []ledger.Reference{
			{Index: 0, Name: "Alice Doe", RelationshipType: "Manager", Verified: true},
			{Index: 1, Name: "John Smith", RelationshipType: "Co-worker"},
		},
	}
	last := &operation.Operation{ID: "op-1", Kind: operation.KindScoreRun, Status: operation.StatusSucceeded}

	snap, err := trust.NewView(auth, reader, trust.WithTracker(stubTracker{op: last})).Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Authenticated)
	assert.Equal(t, auth.Current().Address.Hex(), snap.Session.Address)
	assert.Equal(t, "1337", snap.Session.ChainID)
	assert.Equal(t, uint8(72), snap.Profile.Overall)
	require.Len(t, snap.References, 2)
	assert.Equal(t, "John Smith", snap.References[0].Name)
	assert.Equal(t, "under_review", snap.References[0].Status())
	assert.Equal(t, "op-1", snap.LastOperation.ID)
}

func TestSnapshotToleratesTrackerFailure(t *testing.T) {
	auth := begin(t)
	view := trust.NewView(auth, &stubReader{}, trust.WithTracker(stubTracker{err: errors.New("mysql down")}))

	snap, err := view.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Nil(t, snap.LastOperation)
}

func TestSnapshotSurfacesLedgerErrors(t *testing.T) {
	auth := begin(t)
	_, err := trust.NewView(auth, &stubReader{err: errors.New("rpc down")}).Snapshot(context.Background())
	require.Error(t, err)
}

func TestSnapshotDiscardedWhenSessionEndsMidRead(t *testing.T) {
	auth := begin(t)
	reader := &stubReader{profile: ledger.Profile{Overall: 90}}
	reader.during = func() { auth.Invalidate("account changed") }

	snap, err := trust.NewView(auth, reader).Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Authenticated)
	assert.Nil(t, snap.Profile)
}
