package meetings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

// ErrMeetingProvider marks any failure talking to the video provider.
var ErrMeetingProvider = errors.New("meeting provider request failed")

// tokenSafety is subtracted from the provider expiry so a token is refreshed
// before it can go stale mid-request.
const tokenSafety = 30 * time.Second

// Client talks to the video conferencing provider (Zoom shaped API) using the
// server-to-server OAuth flow. The access token is process-wide state:
// acquired lazily, reused until expiry, refreshed through a singleflight so
// parallel requests trigger one exchange, and invalidated on auth failure.
type Client struct {
	apiURL       string
	oauthURL     string
	accountID    string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	flight      singleflight.Group
}

func NewClient(apiURL, oauthURL, accountID, clientID, clientSecret string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		apiURL:       apiURL,
		oauthURL:     oauthURL,
		accountID:    accountID,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
	}
}

// Meeting is a provisioned video room.
type Meeting struct {
	ID       string
	JoinURL  string
	StartURL string
}

// CreateMeeting schedules a video room hosted by the given provider user.
func (c *Client) CreateMeeting(ctx context.Context, userID, topic string, startTime time.Time, durationMinutes int) (*Meeting, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"topic":      topic,
		"type":       2, // scheduled meeting
		"start_time": startTime.UTC().Format(time.RFC3339),
		"duration":   durationMinutes,
		"timezone":   "UTC",
		"settings": map[string]any{
			"host_video":        true,
			"participant_video": true,
			"join_before_host":  false,
			"waiting_room":      true,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal meeting request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/meetings", c.apiURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build meeting request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMeetingProvider, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
		return nil, fmt.Errorf("%w: unauthorized", ErrMeetingProvider)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("create meeting failed", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%w: status %d", ErrMeetingProvider, resp.StatusCode)
	}

	var parsed struct {
		ID       int64  `json:"id"`
		JoinURL  string `json:"join_url"`
		StartURL string `json:"start_url"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrMeetingProvider, err)
	}

	return &Meeting{
		ID:       strconv.FormatInt(parsed.ID, 10),
		JoinURL:  parsed.JoinURL,
		StartURL: parsed.StartURL,
	}, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited on the flight.
		c.mu.Lock()
		if c.token != "" && time.Now().Before(c.tokenExpiry) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		return c.exchangeToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) exchangeToken(ctx context.Context) (string, error) {
	params := url.Values{
		"grant_type": {"account_credentials"},
		"account_id": {c.accountID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrMeetingProvider, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("video token exchange failed", "status", resp.StatusCode, "body", string(body))
		return "", fmt.Errorf("%w: token exchange status %d", ErrMeetingProvider, resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrMeetingProvider, err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrMeetingProvider)
	}

	expiry := time.Now().Add(time.Duration(parsed.ExpiresIn)*time.Second - tokenSafety)

	c.mu.Lock()
	c.token = parsed.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()

	return parsed.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}
