package channel

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

// EmailRequest is an email handed to a provider
type EmailRequest struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// EmailProvider is one email backend (SES, Resend, SMTP)
type EmailProvider interface {
	Name() string
	// Configured reports whether the provider has credentials to send with
	Configured() bool
	Send(ctx context.Context, req *EmailRequest) error
}

// EmailAdapter sends through a chain of providers, trying each configured
// provider in order until one accepts.
type EmailAdapter struct {
	providers []EmailProvider
	log       zerolog.Logger
}

// NewEmailAdapter creates an email adapter over providers in priority order
func NewEmailAdapter(providers ...EmailProvider) *EmailAdapter {
	a := &EmailAdapter{log: logger.WithComponent("channel.email")}
	for _, p := range providers {
		if p == nil {
			continue
		}
		a.log.Info().Str("provider", p.Name()).Bool("configured", p.Configured()).Msg("registered email provider")
		a.providers = append(a.providers, p)
	}
	return a
}

func (a *EmailAdapter) Channel() models.Channel { return models.ChannelEmail }

// Send tries each configured provider. The result is permanent only when
// every provider that was tried rejected the message permanently.
func (a *EmailAdapter) Send(ctx context.Context, msg Message) error {
	if msg.Address == "" {
		return Permanent("no_address", "recipient has no email address")
	}

	req := &EmailRequest{To: []string{msg.Address}, Subject: msg.Subject, Body: msg.Body}

	var (
		tried   int
		lastErr error
		anyTemp bool
	)
	for _, p := range a.providers {
		if !p.Configured() {
			continue
		}
		tried++

		err := p.Send(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Temporary("cancelled", err.Error())
		}

		a.log.Warn().Err(err).Str("provider", p.Name()).Msg("email provider failed, trying next")
		lastErr = err
		if Classify(err) {
			anyTemp = true
		}
	}

	if tried == 0 {
		return Permanent("no_provider", "no email provider is configured")
	}
	var rej *Rejection
	if errors.As(lastErr, &rej) && !anyTemp {
		return rej
	}
	if anyTemp {
		return Temporary("provider_failure", lastErr.Error())
	}
	return Permanent("provider_failure", lastErr.Error())
}
