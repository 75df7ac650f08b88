package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken は資格情報が無効（401/404）である場合に返されます。
// 呼び出し側はこのエラーを受けてセッションの資格情報を破棄します。
var ErrInvalidToken = errors.New("invalid token")

// Client は外部アカウントサービスの /me 呼び出しを行います。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient は Client を作成します。
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type meResponse struct {
	User       *Record `json:"user"`
	PlanActive bool    `json:"plan_active"`
}

// Me はベアラートークンに対応するユーザー情報とプラン有効状態を取得します。
// not-found も unauthorized も同一に ErrInvalidToken として扱います。
func (c *Client) Me(ctx context.Context, token string) (*Record, bool, error) {
	if token == "" {
		return nil, false, ErrInvalidToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("account lookup failed: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusNotFound:
		return nil, false, ErrInvalidToken
	case res.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("account lookup returned status %d", res.StatusCode)
	}

	var payload meResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("account lookup returned malformed body: %w", err)
	}
	if payload.User == nil {
		return nil, false, fmt.Errorf("account lookup returned no user")
	}
	return payload.User, payload.PlanActive, nil
}
