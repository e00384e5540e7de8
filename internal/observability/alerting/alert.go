package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的事件，例如评分上链部分成功。
type Event struct {
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	Category    xerrors.Category  `json:"category"`
	Channel     Channel           `json:"channel,omitempty"`
	OperationID string            `json:"operation_id"`
	Kind        string            `json:"kind,omitempty"`
	Address     string            `json:"address,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"max_retries"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		evt := event
		evt.Channel = notifier.Channel()
		if err := notifier.Notify(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// WebhookNotifier 以 JSON 形式推送完整事件。
type WebhookNotifier struct {
	Poster Poster
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Poster == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("operation_id", event.OperationID))
		return nil
	}
	return n.Poster.Post(ctx, event)
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Poster Poster
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Poster == nil {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("operation_id", event.OperationID))
		return nil
	}
	content := fmt.Sprintf("[%s] %s\n操作: %s (%s)\n地址: %s\n重试: %d/%d\n%s%s",
		event.Severity, event.Code, event.OperationID, event.Kind, event.Address,
		event.Attempts, event.MaxRetries, event.Message, formatMetadata(event.Metadata))
	return n.Poster.Post(ctx, dingTalkMessage{
		MsgType: "text",
		Text:    dingTalkText{Content: content},
	})
}

type dingTalkMessage struct {
	MsgType string       `json:"msgtype"`
	Text    dingTalkText `json:"text"`
}

type dingTalkText struct {
	Content string `json:"content"`
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	Poster    Poster
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Poster == nil {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("operation_id", event.OperationID))
		return nil
	}
	text := fmt.Sprintf("*[%s]* %s - %s (operation %s, 重试 %d/%d)",
		event.Severity, event.Code, event.Message, event.OperationID, event.Attempts, event.MaxRetries)
	return n.Poster.Post(ctx, slackMessage{Channel: n.ChannelID, Text: text})
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("\n详情:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, md[k])
	}
	return b.String()
}
