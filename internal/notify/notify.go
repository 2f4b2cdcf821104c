// Package notify delivers build notifications by email and Slack webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/bosondata/badwolf/internal/common"
)

// MailSender sends one message. *gomail.Dialer implements it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Notifier struct {
	mailer     MailSender
	from       string
	httpClient *http.Client
}

type Option func(*Notifier)

func WithMailSender(s MailSender) Option {
	return func(n *Notifier) { n.mailer = s }
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

func New(from string, opts ...Option) *Notifier {
	n := &Notifier{from: from, httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewFromConfig sends mail through the configured SMTP server. Mail is
// disabled when no server is configured.
func NewFromConfig(conf common.Config) *Notifier {
	var opts []Option
	if conf.SMTPHost != "" {
		opts = append(opts, WithMailSender(gomail.NewDialer(conf.SMTPHost, conf.SMTPPort, conf.SMTPUsername, conf.SMTPPassword)))
	}
	return New(conf.MailSender, opts...)
}

var ErrMailDisabled = errors.New("mail server not configured")

func (n *Notifier) SendMail(_ context.Context, recipients []string, subject, html string) error {
	if n.mailer == nil {
		return ErrMailDisabled
	}
	common.GetLogger().Info("sending email", zap.Strings("recipients", recipients), zap.String("subject", subject))
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", recipients...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)
	return n.mailer.DialAndSend(m)
}

// TriggerSlack posts message to every webhook and returns the first error.
func (n *Notifier) TriggerSlack(ctx context.Context, webhooks []string, message string) error {
	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	var firstErr error
	for _, webhook := range webhooks {
		common.GetLogger().Info("triggering slack webhook", zap.String("webhook", common.SanitizeSensitiveData(webhook)))
		if err := n.post(ctx, webhook, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) post(ctx context.Context, webhook string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %s", resp.Status)
	}
	return nil
}
