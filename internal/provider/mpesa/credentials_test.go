package mpesa

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stk-payment-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tokenServer struct {
	calls    atomic.Int32
	failures atomic.Int32
	status   int
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	key, secret, ok := r.BasicAuth()
	if !ok || key != "key" || secret != "secret" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":"3599"}`, n)
}

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

func newTestProvider(t *testing.T, srv *httptest.Server, clock *fakeClock, opts ...CredentialOption) *CredentialProvider {
	opts = append(opts, WithClock(clock.Now))
	return NewCredentialProvider(srv.URL, "key", "secret", 60*time.Second, zaptest.NewLogger(t), opts...)
}

func TestAccessCredentialCachesUntilRefreshMargin(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, srv, clock)

	first, err := p.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", first.Token)
	assert.Equal(t, clock.Now().Add(3599*time.Second), first.ExpiresAt)

	clock.Advance(50 * time.Minute)
	second, err := p.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)
	assert.EqualValues(t, 1, ts.calls.Load())

	// 59m40s in: inside the 60s margin before the 3599s expiry.
	clock.Advance(9*time.Minute + 40*time.Second)
	third, err := p.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", third.Token)
	assert.EqualValues(t, 2, ts.calls.Load())
}

func TestAccessCredentialConcurrentCallersShareOneFetch(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	p := newTestProvider(t, srv, &fakeClock{now: time.Now()})

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := p.AccessCredential(context.Background())
			assert.NoError(t, err)
			tokens[i] = cred.Token
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ts.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestAccessCredentialRetriesTransportFailureOnce(t *testing.T) {
	ts := &tokenServer{}
	ts.failures.Store(1)
	srv := httptest.NewServer(ts)
	defer srv.Close()

	p := newTestProvider(t, srv, &fakeClock{now: time.Now()})

	cred, err := p.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.Token)
	assert.EqualValues(t, 2, ts.calls.Load())
}

func TestAccessCredentialGivesUpAfterOneRetry(t *testing.T) {
	ts := &tokenServer{}
	ts.failures.Store(5)
	srv := httptest.NewServer(ts)
	defer srv.Close()

	p := newTestProvider(t, srv, &fakeClock{now: time.Now()})

	_, err := p.AccessCredential(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.EqualValues(t, 2, ts.calls.Load())
}

func TestAccessCredentialBadCredentialsNotRetried(t *testing.T) {
	ts := &tokenServer{status: http.StatusBadRequest}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	p := newTestProvider(t, srv, &fakeClock{now: time.Now()})

	_, err := p.AccessCredential(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.EqualValues(t, 1, ts.calls.Load())
}

type memoryTokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	sets      int
}

func (m *memoryTokenCache) GetToken(_ context.Context, _ string) (string, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.expiresAt, m.token != "", nil
}

func (m *memoryTokenCache) SetToken(_ context.Context, _ string, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.expiresAt = token, expiresAt
	m.sets++
	return nil
}

func TestAccessCredentialUsesSharedCache(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	clock := &fakeClock{now: time.Now()}
	shared := &memoryTokenCache{}

	a := newTestProvider(t, srv, clock, WithTokenCache(shared))
	b := newTestProvider(t, srv, clock, WithTokenCache(shared))

	credA, err := a.AccessCredential(context.Background())
	require.NoError(t, err)
	credB, err := b.AccessCredential(context.Background())
	require.NoError(t, err)

	assert.Equal(t, credA.Token, credB.Token)
	assert.EqualValues(t, 1, ts.calls.Load())
	assert.Equal(t, 1, shared.sets)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	p := newTestProvider(t, srv, &fakeClock{now: time.Now()})

	_, err := p.AccessCredential(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	cred, err := p.AccessCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.Token)
}
