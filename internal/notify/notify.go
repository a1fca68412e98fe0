// Package notify delivers alert notifications. Every sender is best effort
// and a no-op when its destination is not configured.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/logger"
)

const (
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
)

type Options struct {
	WebhookURL      string
	SlackWebhookURL string
	SMTPHost        string
	SMTPPort        int
	SMTPUser        string
	SMTPPassword    string
	EmailFrom       string
	EmailTo         []string
	Timeout         time.Duration
}

// OptionsFromConfig copies the notification settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WebhookURL:      cfg.WebhookURL,
		SlackWebhookURL: cfg.SlackWebhookURL,
		SMTPHost:        cfg.SMTPHost,
		SMTPPort:        cfg.SMTPPort,
		SMTPUser:        cfg.SMTPUser,
		SMTPPassword:    cfg.SMTPPassword,
		EmailFrom:       cfg.EmailFrom,
		EmailTo:         cfg.EmailTo,
	}
}

type sendMailFunc func(ctx context.Context, msg *mail.Msg) error

type Notifier struct {
	opts       Options
	timeout    time.Duration
	httpClient *http.Client
	sendMail   sendMailFunc
}

func New(opts Options) *Notifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		opts:       opts,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
	n.sendMail = n.dialAndSend
	return n
}

// Alert is the notification content for one firing.
type Alert struct {
	RuleID    uint      `json:"ruleId"`
	Rule      string    `json:"rule"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	FiredAt   time.Time `json:"firedAt"`
}

// Dispatch sends a to the webhook and to every recognised channel in
// channels. Channels are independent; the result maps each attempted
// channel to its error, nil on success.
func (n *Notifier) Dispatch(ctx context.Context, a Alert, channels []string) map[string]error {
	targets := []string{ChannelWebhook}
	for _, ch := range channels {
		switch ch {
		case ChannelSlack, ChannelEmail:
			targets = append(targets, ch)
		}
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(targets))
		g       errgroup.Group
	)
	for _, ch := range targets {
		g.Go(func() error {
			var err error
			switch ch {
			case ChannelWebhook:
				err = n.SendWebhook(ctx, a)
			case ChannelSlack:
				err = n.SendSlack(ctx, fmt.Sprintf("Alert fired: %s value=%g", a.Rule, a.Value))
			case ChannelEmail:
				err = n.SendEmail(ctx,
					fmt.Sprintf("[Alert] %s", a.Rule),
					fmt.Sprintf("Rule %s fired with value=%g (threshold %g, severity %s)", a.Rule, a.Value, a.Threshold, a.Severity),
					n.recipients(),
				)
			}
			if err != nil {
				logger.Warn("notification failed", zap.String("channel", ch), zap.String("rule", a.Rule), zap.Error(err))
			}
			mu.Lock()
			results[ch] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// SendWebhook posts payload as JSON with a unique X-Delivery-ID header.
func (n *Notifier) SendWebhook(ctx context.Context, payload any) error {
	if n.opts.WebhookURL == "" {
		return nil
	}
	return n.postJSON(ctx, n.opts.WebhookURL, payload, uuid.NewString())
}

// SendSlack posts text to a Slack incoming webhook.
func (n *Notifier) SendSlack(ctx context.Context, text string) error {
	if n.opts.SlackWebhookURL == "" {
		return nil
	}
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.opts.SlackWebhookURL, n.httpClient, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

// SendEmail sends a plain text message over SMTP, upgrading to TLS when
// the server offers STARTTLS.
func (n *Notifier) SendEmail(ctx context.Context, subject, body string, to []string) error {
	if n.opts.SMTPHost == "" || n.opts.SMTPUser == "" || n.opts.SMTPPassword == "" || len(to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := n.opts.EmailFrom
	if from == "" {
		from = n.opts.SMTPUser
	}
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return fmt.Errorf("email sender: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("email recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := n.sendMail(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (n *Notifier) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	client, err := mail.NewClient(n.opts.SMTPHost,
		mail.WithPort(n.opts.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.opts.SMTPUser),
		mail.WithPassword(n.opts.SMTPPassword),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(n.timeout),
	)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (n *Notifier) recipients() []string {
	if len(n.opts.EmailTo) > 0 {
		return n.opts.EmailTo
	}
	if n.opts.SMTPUser != "" {
		return []string{n.opts.SMTPUser}
	}
	return nil
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any, deliveryID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if deliveryID != "" {
		req.Header.Set("X-Delivery-ID", deliveryID)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: %s", url, resp.Status)
	}
	return nil
}
