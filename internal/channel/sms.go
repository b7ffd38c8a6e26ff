package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

// smsRequest is the body the SMS gateway expects
type smsRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
}

type smsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SMSAdapter sends text messages through a REST SMS gateway
type SMSAdapter struct {
	client *resty.Client
	sender string
}

// NewSMSAdapter creates an SMS adapter. Retries are owned by the
// dispatcher, so the client itself never retries.
func NewSMSAdapter(cfg config.SMSConfig) *SMSAdapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIToken != "" {
		client.SetAuthToken(cfg.APIToken)
	}

	return &SMSAdapter{client: client, sender: cfg.Sender}
}

func (a *SMSAdapter) Channel() models.Channel { return models.ChannelSMS }

func (a *SMSAdapter) Send(ctx context.Context, msg Message) error {
	if msg.Address == "" {
		return Permanent("no_address", "recipient has no phone number")
	}
	if a.client.BaseURL == "" {
		return Permanent("no_provider", "SMS gateway is not configured")
	}

	var apiErr smsError
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(smsRequest{From: a.sender, To: msg.Address, Text: msg.Body, Priority: string(msg.Priority)}).
		SetError(&apiErr).
		Post("/messages")
	if err != nil {
		return Temporary("transport", err.Error())
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return Temporary(fmt.Sprintf("http_%d", status), errorMessage(apiErr, resp))
	default:
		return Permanent(fmt.Sprintf("http_%d", status), errorMessage(apiErr, resp))
	}
}

func errorMessage(apiErr smsError, resp *resty.Response) string {
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return resp.Status()
}
