package anchor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TrustNet-Chain/internal/errors"
)

func TestDigestIsStableRawCID(t *testing.T) {
	a, err := DigestOf([]byte(`{"overall":72}`))
	require.NoError(t, err)
	b, err := DigestOf([]byte(`{"overall":72}`))
	require.NoError(t, err)
	c, err := DigestOf([]byte(`{"overall":73}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "bafkrei"), a)
	assert.NoError(t, Verify(a, []byte(`{"overall":72}`)))
	assert.True(t, xerrors.HasCode(Verify(a, []byte("tampered")), xerrors.CodeStorageFailure))
	assert.True(t, xerrors.HasCode(Verify("not-a-cid", nil), xerrors.CodeInvalidArgument))
}

func TestMemoryStorePutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("detail"))
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("detail"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "detail", string(got))

	missing, _ := DigestOf([]byte("never stored"))
	_, err = store.Get(ctx, missing)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
	sets int
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.sets++
	f.data[key] = value.([]byte)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func TestRedisStore(t *testing.T) {
	kv := &fakeRedis{data: map[string][]byte{}}
	store := newRedisStore(kv, "")
	ctx := context.Background()

	d1, err := store.Put(ctx, []byte("ref-detail"))
	require.NoError(t, err)
	d2, err := store.Put(ctx, []byte("ref-detail"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, kv.sets)

	got, err := store.Get(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, "ref-detail", string(got))

	missing, _ := DigestOf([]byte("never stored"))
	_, err = store.Get(ctx, missing)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	kv.err = errors.New("connection refused")
	_, err = store.Put(ctx, []byte("other"))
	assert.True(t, xerrors.HasCode(err, CodeStoreUnreachable))
}

func TestIPFSStoreRoundTrip(t *testing.T) {
	var mu sync.Mutex
	blobs := map[string][]byte{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "project", user)
		assert.Equal(t, "secret", pass)

		switch r.URL.Path {
		case "/api/v0/add":
			assert.Equal(t, "1", r.URL.Query().Get("cid-version"))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(file)
			digest, _ := DigestOf(data)
			mu.Lock()
			blobs[digest] = data
			mu.Unlock()
			_, _ = io.WriteString(w, `{"Name":"blob","Hash":"`+digest+`","Size":"10"}`)
		case "/api/v0/cat":
			mu.Lock()
			data, ok := blobs[r.URL.Query().Get("arg")]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"Message":"block was not found locally (offline)","Code":0,"Type":"error"}`)
				return
			}
			_, _ = w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store, err := NewIPFSStore(IPFSConfig{APIURL: srv.URL, ProjectID: "project", Secret: "secret"})
	require.NoError(t, err)
	store.httpClient = srv.Client()
	ctx := context.Background()

	d1, err := store.Put(ctx, []byte(`{"name":"John Smith"}`))
	require.NoError(t, err)
	d2, err := store.Put(ctx, []byte(`{"name":"John Smith"}`))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	got, err := store.Get(ctx, d1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"John Smith"}`, string(got))

	missing, _ := DigestOf([]byte("never stored"))
	_, err = store.Get(ctx, missing)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound), "got %v", err)
}

func TestIPFSStoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	store, err := NewIPFSStore(IPFSConfig{APIURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), []byte("x"))
	assert.True(t, xerrors.HasCode(err, CodeStoreUnreachable), "got %v", err)
}

func TestIPFSGetClassifiesAuthFailureAsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"Message":"invalid project id","Code":0,"Type":"error"}`)
	}))
	defer srv.Close()

	store, err := NewIPFSStore(IPFSConfig{APIURL: srv.URL, ProjectID: "wrong", Secret: "secret"})
	require.NoError(t, err)
	store.httpClient = srv.Client()
	ctx := context.Background()

	digest, err := DigestOf([]byte("anything"))
	require.NoError(t, err)
	_, err = store.Get(ctx, digest)
	assert.True(t, xerrors.HasCode(err, CodeStoreUnreachable), "got %v", err)
	assert.False(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	_, err = store.Get(ctx, "not-a-cid")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), "got %v", err)
}
