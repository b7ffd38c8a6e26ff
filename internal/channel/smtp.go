package channel

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/smukkama/telemetry-alerts/pkg/config"
)

// SMTPProvider sends plain-text email through an SMTP relay
type SMTPProvider struct {
	config   config.SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

// NewSMTPProvider creates an SMTP provider; without a host it is unconfigured
func NewSMTPProvider(cfg config.SMTPConfig) *SMTPProvider {
	return &SMTPProvider{config: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Configured() bool { return p.config.Host != "" }

func (p *SMTPProvider) Send(ctx context.Context, req *EmailRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Construct message
	message := fmt.Sprintf("From: %s\r\n", p.config.From)
	message += fmt.Sprintf("To: %s\r\n", strings.Join(req.To, ", "))
	message += fmt.Sprintf("Subject: %s\r\n", req.Subject)
	message += fmt.Sprintf("Date: %s\r\n", p.now().Format(time.RFC1123Z))
	message += "Content-Type: text/plain; charset=UTF-8\r\n"
	message += "\r\n"
	message += req.Body

	var auth smtp.Auth
	if p.config.Username != "" {
		auth = smtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", p.config.Host, p.config.Port)
	if err := p.sendMail(addr, auth, p.config.From, req.To, []byte(message)); err != nil {
		return classifySMTP(err)
	}
	return nil
}

// classifySMTP treats 5xx replies as permanent and everything else as temporary
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(fmt.Sprintf("smtp_%d", tpErr.Code), tpErr.Msg)
	}
	return fmt.Errorf("failed to send email: %w", err)
}
