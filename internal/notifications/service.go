// Package notifications delivers alert events and periodic reports via
// email, Telegram, and generic webhooks.
package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/octopus-project/octopus/internal/config"
	"github.com/octopus-project/octopus/internal/models"
)

// Service handles sending notifications via the configured channels.
type Service struct {
	config *config.Config
	client *resty.Client
	bot    *tgbotapi.BotAPI
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// NewService creates a notification service. A Telegram bot is connected
// lazily on first send so a bad token does not block startup.
func NewService(cfg *config.Config) *Service {
	return &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
}

// SendAlert delivers one fired alert event through every configured channel.
func (s *Service) SendAlert(event *models.AlertEvent, rule *models.AlertRule, token *models.Token) error {
	subject, body := formatAlert(event, rule, token)

	var errs []string
	if s.config.WebhookURL != "" {
		if err := s.sendWebhook(subject, body, event); err != nil {
			logrus.Errorf("Failed to send alert webhook: %v", err)
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		}
	}
	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(subject, body); err != nil {
			logrus.Errorf("Failed to send alert email: %v", err)
			errs = append(errs, fmt.Sprintf("email: %v", err))
		}
	}
	if s.config.TelegramBotToken != "" && s.config.TelegramChatID != 0 {
		if err := s.sendTelegram(subject + "\n" + body); err != nil {
			logrus.Errorf("Failed to send alert to Telegram: %v", err)
			errs = append(errs, fmt.Sprintf("telegram: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendReport delivers a periodic summary report.
func (s *Service) SendReport(report *models.Report) error {
	subject := fmt.Sprintf("Octopus %s report - %s", report.Period, report.GeneratedAt.Format("2006-01-02"))
	body := formatReport(report)

	var errs []string
	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(subject, body); err != nil {
			logrus.Errorf("Failed to send report email: %v", err)
			errs = append(errs, fmt.Sprintf("email: %v", err))
		}
	}
	if s.config.TelegramBotToken != "" && s.config.TelegramChatID != 0 {
		if err := s.sendTelegram(subject + "\n\n" + body); err != nil {
			logrus.Errorf("Failed to send report to Telegram: %v", err)
			errs = append(errs, fmt.Sprintf("telegram: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func formatAlert(event *models.AlertEvent, rule *models.AlertRule, token *models.Token) (subject, body string) {
	scope := "all tokens"
	if token != nil {
		scope = token.Symbol
	}
	subject = fmt.Sprintf("Octopus alert: %s %s threshold crossed", scope, rule.Metric)
	body = fmt.Sprintf(
		"Rule %d fired at %s.\nMetric: %s\nObserved: %.4f (%s %.4f)\nWindow: %s",
		rule.ID,
		event.TriggeredAt.Format("2006-01-02 15:04:05 UTC"),
		rule.Metric,
		event.Observed,
		rule.Comparator,
		rule.Threshold,
		rule.Window,
	)
	return subject, body
}

func formatReport(report *models.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Messages: %d\nMentions: %d\nAlerts fired: %d\n",
		report.TotalMessages, report.TotalMentions, len(report.AlertEvents))
	if len(report.Trending) > 0 {
		b.WriteString("\nTrending tokens:\n")
		for i, t := range report.Trending {
			fmt.Fprintf(&b, "%d. %s (score %.2f, latest %d vs trailing %.1f)\n",
				i+1, t.Symbol, t.Score, t.LatestCount, t.TrailingMean)
		}
	}
	return b.String()
}

type webhookPayload struct {
	Title   string             `json:"title"`
	Text    string             `json:"text"`
	Event   *models.AlertEvent `json:"event"`
	SentAt  time.Time          `json:"sent_at"`
	Service string             `json:"service"`
}

func (s *Service) sendWebhook(subject, body string, event *models.AlertEvent) error {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(&webhookPayload{
			Title:   subject,
			Text:    body,
			Event:   event,
			SentAt:  time.Now().UTC(),
			Service: "octopus",
		}).
		Post(s.config.WebhookURL)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (s *Service) sendEmail(subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(s.config.SMTPHost, s.config.SMTPPort, s.config.SMTPUsername, s.config.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *Service) sendTelegram(text string) error {
	if s.bot == nil {
		bot, err := tgbotapi.NewBotAPI(s.config.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("connect telegram bot: %w", err)
		}
		s.bot = bot
	}

	msg := tgbotapi.NewMessage(s.config.TelegramChatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
