package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Poster 将 JSON 消息投递到远端。
type Poster interface {
	Post(ctx context.Context, payload any) error
}

// HTTPPoster 通过 HTTP POST 投递 JSON。
type HTTPPoster struct {
	URL    string
	Client *http.Client
}

// NewHTTPPoster 创建带默认超时的 HTTPPoster。
func NewHTTPPoster(url string) *HTTPPoster {
	return &HTTPPoster{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Post 实现 Poster。
func (p *HTTPPoster) Post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警接收端返回 %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// FromURLs 按照配置的地址构建通知器，空地址会被跳过。
func FromURLs(webhookURL, dingTalkURL, slackURL string) *FanoutDispatcher {
	var notifiers []Notifier
	if webhookURL != "" {
		notifiers = append(notifiers, &WebhookNotifier{Poster: NewHTTPPoster(webhookURL)})
	}
	if dingTalkURL != "" {
		notifiers = append(notifiers, &DingTalkNotifier{Poster: NewHTTPPoster(dingTalkURL)})
	}
	if slackURL != "" {
		notifiers = append(notifiers, &SlackNotifier{Poster: NewHTTPPoster(slackURL)})
	}
	return NewFanout(notifiers...)
}
