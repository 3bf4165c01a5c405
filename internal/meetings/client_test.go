package meetings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider serves the OAuth token endpoint and the meeting creation
// endpoint of a Zoom shaped API.
type fakeProvider struct {
	tokenCalls   atomic.Int64
	meetingCalls atomic.Int64

	mu          sync.Mutex
	expiresIn   int
	rejectToken bool
	meetingID   int64
}

func (f *fakeProvider) oauthHandler(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls.Add(1)

	if r.URL.Query().Get("grant_type") != "account_credentials" {
		http.Error(w, "unsupported grant", http.StatusBadRequest)
		return
	}
	if u, p, ok := r.BasicAuth(); !ok || u != "client-id" || p != "client-secret" {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	expiresIn := f.expiresIn
	f.mu.Unlock()
	if expiresIn == 0 {
		expiresIn = 3600
	}

	json.NewEncoder(w).Encode(map[string]any{
		"access_token": "tok-abc",
		"expires_in":   expiresIn,
	})
}

func (f *fakeProvider) meetingHandler(w http.ResponseWriter, r *http.Request) {
	f.meetingCalls.Add(1)

	f.mu.Lock()
	reject := f.rejectToken
	id := f.meetingID
	f.mu.Unlock()

	if reject || r.Header.Get("Authorization") != "Bearer tok-abc" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if id == 0 {
		id = 987654321
	}

	json.NewEncoder(w).Encode(map[string]any{
		"id":        id,
		"join_url":  "https://video.example/j/987654321",
		"start_url": "https://video.example/s/987654321",
	})
}

func newFakeProvider(t *testing.T) (*fakeProvider, *Client) {
	t.Helper()
	f := &fakeProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", f.oauthHandler)
	mux.HandleFunc("/users/", f.meetingHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.URL+"/oauth/token", "acct-1", "client-id", "client-secret", nil)
	return f, c
}

func TestCreateMeeting(t *testing.T) {
	_, c := newFakeProvider(t)

	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	m, err := c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
	require.NoError(t, err)

	assert.Equal(t, "987654321", m.ID)
	assert.Equal(t, "https://video.example/j/987654321", m.JoinURL)
	assert.Equal(t, "https://video.example/s/987654321", m.StartURL)
}

func TestCreateMeeting_TokenReused(t *testing.T) {
	f, c := newFakeProvider(t)

	start := time.Now().Add(24 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, f.tokenCalls.Load())
	assert.EqualValues(t, 3, f.meetingCalls.Load())
}

func TestCreateMeeting_ConcurrentCallsOneExchange(t *testing.T) {
	f, c := newFakeProvider(t)

	start := time.Now().Add(24 * time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.tokenCalls.Load())
}

func TestCreateMeeting_ExpiredTokenRefreshed(t *testing.T) {
	f, c := newFakeProvider(t)
	// The safety margin makes this token expired on arrival.
	f.mu.Lock()
	f.expiresIn = 10
	f.mu.Unlock()

	start := time.Now().Add(24 * time.Hour)
	_, err := c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
	require.NoError(t, err)
	_, err = c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.tokenCalls.Load())
}

func TestCreateMeeting_UnauthorizedInvalidatesToken(t *testing.T) {
	f, c := newFakeProvider(t)

	start := time.Now().Add(24 * time.Hour)
	_, err := c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
	require.NoError(t, err)

	f.mu.Lock()
	f.rejectToken = true
	f.mu.Unlock()

	_, err = c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
	assert.ErrorIs(t, err, ErrMeetingProvider)

	// The cached token was dropped, so the next call re-exchanges.
	f.mu.Lock()
	f.rejectToken = false
	f.mu.Unlock()

	_, err = c.CreateMeeting(context.Background(), "host@example.com", "Consultation", start, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.tokenCalls.Load())
}
