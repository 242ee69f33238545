// Package alerting pushes yield alerts to chat channels.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/model"
)

// Notification 封装告警上下文。
type Notification struct {
	At            time.Time
	MinAPY        float64
	Opportunities []model.YieldOpportunity
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *httpx.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。client 为 nil 时使用默认配置。
func NewTelegramNotifier(botToken, chatID, baseURL string, client *httpx.Client, logger zerolog.Logger) *TelegramNotifier {
	if client == nil {
		client = httpx.New("telegram", httpx.WithTimeout(10*time.Second), httpx.WithMaxRetries(1))
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	if err := n.client.PostJSON(ctx, url, payload, &result); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Time("at", note.At).
		Int("opportunities", len(note.Opportunities)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[DeFi Yield Alert]\n")
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Threshold: %.2f%% APY\n", note.MinAPY))
	for _, o := range note.Opportunities {
		builder.WriteString(fmt.Sprintf("- %s %s on %s: %s%% (%s)", o.Protocol, o.AssetSymbol, o.Chain, o.APY, o.Name))
		if o.TVLUSD != "" {
			builder.WriteString(fmt.Sprintf(", TVL $%s", o.TVLUSD))
		}
		builder.WriteString("\n")
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
