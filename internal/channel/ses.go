package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

// sesAPI is the part of *sesv2.Client the provider uses
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends email through AWS SES v2
type SESProvider struct {
	client sesAPI
	from   string
}

// NewSESProvider loads the default AWS credential chain. A disabled or
// unloadable configuration yields an unconfigured provider.
func NewSESProvider(ctx context.Context, cfg config.SESConfig) *SESProvider {
	p := &SESProvider{from: cfg.From}
	if !cfg.Enabled {
		return p
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return p
	}
	p.client = sesv2.NewFromConfig(awsCfg)
	return p
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Configured() bool { return p.client != nil }

func (p *SESProvider) Send(ctx context.Context, req *EmailRequest) error {
	if p.client == nil {
		return Permanent("not_configured", "SES client not initialized")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from),
		Destination:      &types.Destination{ToAddresses: req.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject)},
				Body:    &types.Body{Text: &types.Content{Data: aws.String(req.Body)}},
			},
		},
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		return classifySES(err)
	}
	return nil
}

// classifySES maps SES client faults that no retry will fix to permanent
// rejections. Throttling and service faults stay temporary.
func classifySES(err error) error {
	var (
		badRequest *types.BadRequestException
		rejected   *types.MessageRejected
		notFound   *types.NotFoundException
		paused     *types.SendingPausedException
		notVerif   *types.MailFromDomainNotVerifiedException
		tooMany    *types.TooManyRequestsException
		limit      *types.LimitExceededException
	)
	switch {
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return Temporary("ses_throttled", err.Error())
	case errors.As(err, &badRequest), errors.As(err, &rejected), errors.As(err, &notFound),
		errors.As(err, &paused), errors.As(err, &notVerif):
		return Permanent("ses_rejected", err.Error())
	default:
		return fmt.Errorf("SES send failed: %w", err)
	}
}
