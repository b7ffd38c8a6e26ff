package channel

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

// ResendProvider sends email through the Resend API
type ResendProvider struct {
	client *resend.Client
	from   string
}

// NewResendProvider creates a Resend provider; without an API key it is unconfigured
func NewResendProvider(cfg config.ResendConfig) *ResendProvider {
	p := &ResendProvider{from: cfg.From}
	if cfg.APIKey != "" {
		p.client = resend.NewClient(cfg.APIKey)
	}
	return p
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) Configured() bool { return p.client != nil }

func (p *ResendProvider) Send(ctx context.Context, req *EmailRequest) error {
	if p.client == nil {
		return Permanent("not_configured", "Resend client not initialized")
	}

	params := &resend.SendEmailRequest{
		From:    p.from,
		To:      req.To,
		Subject: req.Subject,
		Text:    req.Body,
	}
	if _, err := p.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("Resend send failed: %w", err)
	}
	return nil
}
