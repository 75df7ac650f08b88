package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
)

const (
	defaultQuality = 72
	maxWidthLimit  = 12000

	// エラー応答本文をジョブメッセージへ載せる際の上限
	maxErrorBodyBytes = 512
)

// Client は変換サービスの /convert をHTTPで呼び出す Converter 実装です。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient は Client を作成します。
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// 変換はサービス側のセマフォ待ちを含むため長めに取る
			Timeout: 10 * time.Minute,
		},
	}
}

// Convert は1ファイルを送信し、変換済みバイト列と出力名を受け取ります。
func (c *Client) Convert(ctx context.Context, src *queue.Source, opts Options, token string) (*Output, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", src.Name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(src.Data); err != nil {
		return nil, err
	}
	if err := writer.WriteField("quality", strconv.Itoa(clampQuality(opts.Quality))); err != nil {
		return nil, err
	}
	if w := clampMaxWidth(opts.MaxWidth); w > 0 {
		if err := writer.WriteField("max_width", strconv.Itoa(w)); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversion request failed: %w", err)
	}
	defer res.Body.Close()

	if err := classifyStatus(res); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversion response: %w", err)
	}

	return &Output{
		Name: parseDownloadName(res.Header.Get("Content-Disposition"), outputName(src.Name)),
		Data: data,
	}, nil
}

func classifyStatus(res *http.Response) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case res.StatusCode == http.StatusPaymentRequired:
		var payload struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(io.LimitReader(res.Body, maxErrorBodyBytes)).Decode(&payload)
		if payload.Code == string(ReasonFreeLimitReached) {
			return &QuotaError{Reason: ReasonFreeLimitReached}
		}
		return &QuotaError{Reason: ReasonMembershipRequired}
	default:
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return &RemoteError{
			StatusCode: res.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
		}
	}
}

func clampQuality(q int) int {
	if q <= 0 {
		return defaultQuality
	}
	if q > 100 {
		return 100
	}
	return q
}

func clampMaxWidth(w int) int {
	if w <= 0 {
		return 0
	}
	if w > maxWidthLimit {
		return maxWidthLimit
	}
	return w
}

// parseDownloadName は Content-Disposition から提案ファイル名を取り出します。
func parseDownloadName(disposition, fallback string) string {
	if disposition == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return fallback
	}
	if name := params["filename"]; name != "" {
		return name
	}
	return fallback
}

// outputName は入力名の拡張子を .webp に置き換えた既定の出力名を返します。
func outputName(name string) string {
	stem := name
	if idx := strings.LastIndex(name, "."); idx > 0 {
		stem = name[:idx]
	}
	if stem == "" {
		stem = "converted"
	}
	return stem + ".webp"
}
