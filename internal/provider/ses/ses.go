// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-mailer-lite/internal/composer"
	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// maxRetries is the maximum number of retry attempts for failed API requests.
const maxRetries = 3

// baseRetryDelay is the initial delay between attempts; each retry doubles it.
const baseRetryDelay = 1 * time.Second

// ProviderConfig holds the configuration for creating a Provider.
type ProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new Provider with the given configuration.
func New(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *Provider {
	return &Provider{client: client}
}

// Send delivers an email message via AWS SES v2. Messages with attachments
// go through the shared MIME composer and are submitted as raw content;
// simple messages use the SES structured format. Every failed API request is
// retried with doubling delays, whatever the error.
func (s *Provider) Send(ctx context.Context, msg *email.Message) error {
	input, err := buildInput(msg)
	if err != nil {
		return err
	}

	delay := baseRetryDelay
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, lastErr = s.client.SendEmail(ctx, input)
		if lastErr == nil {
			return nil
		}

		slog.Warn("SES API error",
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return mailerr.Wrap(mailerr.CodeConnection, "context cancelled during retry wait", ctx.Err())
		case <-time.After(delay):
			delay *= 2
		}
		slog.Debug("retrying SES API request",
			"attempt", attempt+1,
			"max_retries", maxRetries,
		)
	}

	return mailerr.Wrap(mailerr.CodeConnection,
		fmt.Sprintf("SES API request failed after %d retries", maxRetries), lastErr)
}

// Verify has no cheap probe against the SES API; configuration problems
// surface on the first Send.
func (s *Provider) Verify(context.Context) error {
	return nil
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return "ses"
}

// buildInput converts a message into the SES request shape: raw MIME content
// when attachments are present, the simple structured form otherwise.
func buildInput(msg *email.Message) (*sesv2.SendEmailInput, error) {
	if len(msg.Attachments) == 0 {
		return buildSimpleInput(msg), nil
	}

	raw, err := composer.ComposeMIME(msg)
	if err != nil {
		return nil, err
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: []byte(raw),
			},
		},
	}, nil
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = utf8Content(msg.TextBody)
	}
	if msg.HtmlBody != "" {
		body.Html = utf8Content(msg.HtmlBody)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(email.SanitizeHeader(msg.Subject)),
				Body:    body,
			},
		},
	}
}

// destination maps the recipient lists into the SES destination.
func destination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// utf8Content wraps a string as UTF-8 SES content.
func utf8Content(s string) *types.Content {
	return &types.Content{
		Data:    aws.String(s),
		Charset: aws.String("UTF-8"),
	}
}
