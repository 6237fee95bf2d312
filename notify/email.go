package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"argus/config"
	"argus/core"
	"go.uber.org/zap"
)

// EmailChannel delivers alert notifications over SMTP.
type EmailChannel struct {
	host     string
	port     int
	username string
	password string
	from     string
	logger   *zap.SugaredLogger

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates the SMTP channel from config.
func NewEmailChannel(cfg config.NotificationSettings, logger *zap.SugaredLogger) *EmailChannel {
	return &EmailChannel{
		host:     cfg.Email.SMTPHost,
		port:     cfg.Email.SMTPPort,
		username: cfg.Email.Username,
		password: cfg.Email.Password,
		from:     cfg.Email.From,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Send mails the alert summary to the rule's recipients. No recipients is a
// no-op, not an error: the rule simply has no email audience.
func (c *EmailChannel) Send(ctx context.Context, req core.NotificationRequest) error {
	if len(req.Recipients) == 0 {
		c.logger.Debugw("Alert has no email recipients", "alert", req.AlertID)
		return nil
	}

	var auth smtp.Auth
	if c.username != "" {
		auth = smtp.PlainAuth("", c.username, c.password, c.host)
	}

	msg := buildEmailMessage(c.from, req)
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	if err := c.sendMail(addr, auth, c.from, req.Recipients, msg); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	c.logger.Infow("Alert email sent",
		"alert", req.AlertID, "recipients", len(req.Recipients))
	return nil
}

func buildEmailMessage(from string, req core.NotificationRequest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(req.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: [argus] Alert: %s\r\n", req.RuleName)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Rule %q triggered on %d matching events.\r\n\r\n", req.RuleName, req.EventCount)
	fmt.Fprintf(&b, "Alert ID: %s\r\n", req.AlertID)
	if len(req.SampleEventIDs) > 0 {
		b.WriteString("Sample events:\r\n")
		for _, id := range req.SampleEventIDs {
			fmt.Fprintf(&b, "  - %s\r\n", id)
		}
	}
	return []byte(b.String())
}
