package privatekey

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatroom-e2ee/store/storetest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFetchOrCreate(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	issuer := NewIssuer(st, newTestLogger())

	first, err := issuer.FetchOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, first, 32)

	again, err := issuer.FetchOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := issuer.FetchOrCreate(ctx, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	var stored string
	found, err := st.Get(ctx, "privateKeySecret/u1", &stored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotContains(t, stored, string(first))

	_, err = issuer.FetchOrCreate(ctx, "")
	assert.ErrorIs(t, err, ErrPrivateKeyUnavailable)
}

func TestFetchOrCreateRace(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	issuer := NewIssuer(st, newTestLogger())

	const callers = 8
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			secret, err := issuer.FetchOrCreate(ctx, "u1")
			assert.NoError(t, err)
			results[i] = secret
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestFetchOrCreateCorrupted(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	require.NoError(t, st.Set(ctx, "privateKeySecret/u1", "bm90IGEgd3JhcHBlZCBrZXk="))

	_, err := NewIssuer(st, newTestLogger()).FetchOrCreate(ctx, "u1")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

type countingFetcher struct {
	calls  atomic.Int32
	secret []byte
	err    error
}

func (f *countingFetcher) FetchPrivateKey(context.Context, string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.secret...), nil
}

func TestProviderCaches(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{secret: []byte("0123456789abcdef0123456789abcdef")}
	p := NewProvider(fetcher, 100, time.Hour)

	first, err := p.Get(ctx, "u1")
	require.NoError(t, err)
	first[0] = 'X'

	second, err := p.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, fetcher.secret, second)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	p.Invalidate("u1")
	_, err = p.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestProviderExpires(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{secret: []byte("secret")}
	p := NewProvider(fetcher, 100, 20*time.Millisecond)

	_, err := p.Get(ctx, "u1")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = p.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestProviderUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *countingFetcher
	}{
		{"Fetch error", &countingFetcher{err: errors.New("server down")}},
		{"Empty secret", &countingFetcher{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.fetcher, 10, time.Hour).Get(context.Background(), "u1")
			assert.ErrorIs(t, err, ErrPrivateKeyUnavailable)
		})
	}
}

func TestProviderWithIssuer(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	issuer := NewIssuer(st, newTestLogger())
	p := NewProvider(issuer, 100, time.Hour)

	viaProvider, err := p.Get(ctx, "u1")
	require.NoError(t, err)
	direct, err := issuer.FetchOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, direct, viaProvider)
}
