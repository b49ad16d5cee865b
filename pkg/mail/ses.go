package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
)

// sesAPI is the subset of the SES client used by SESTransport.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	GetSendQuota(ctx context.Context, params *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error)
}

// permanentSESCodes are API error codes that will not succeed on retry.
var permanentSESCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"ConfigurationSetDoesNotExist":       true,
	"AccountSendingPausedException":      true,
	"InvalidClientTokenId":               true,
	"SignatureDoesNotMatch":              true,
}

// SESTransport sends through the Amazon SES SendEmail API.
type SESTransport struct {
	client sesAPI
	source string
}

// NewSESTransport loads the AWS configuration for the settings region. Static
// credentials from the settings override the default credential chain.
func NewSESTransport(ctx context.Context, s TransportSettings) (*SESTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if s.AccessKeyID != "" {
		accessKey, secretKey := s.AccessKeyID, s.SecretAccessKey
		cfg.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     accessKey,
				SecretAccessKey: secretKey,
				Source:          "mailqueue settings",
			}, nil
		})
	}
	return newSESTransport(ses.NewFromConfig(cfg), s), nil
}

func newSESTransport(client sesAPI, s TransportSettings) *SESTransport {
	source := (&mail.Address{Name: s.FromName, Address: s.FromAddress}).String()
	return &SESTransport{client: client, source: source}
}

func (t *SESTransport) Name() string {
	return string(ProviderSES)
}

func (t *SESTransport) Send(ctx context.Context, item QueueItem) error {
	to := item.RecipientEmail
	if item.RecipientName != "" {
		to = (&mail.Address{Name: item.RecipientName, Address: item.RecipientEmail}).String()
	}
	input := &ses.SendEmailInput{
		Source: aws.String(t.source),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(item.Subject), Charset: aws.String("UTF-8")},
			Body:    &types.Body{},
		},
	}
	if item.ContentText != "" {
		input.Message.Body.Text = &types.Content{Data: aws.String(item.ContentText), Charset: aws.String("UTF-8")}
	}
	if item.ContentHTML != "" {
		input.Message.Body.Html = &types.Content{Data: aws.String(item.ContentHTML), Charset: aws.String("UTF-8")}
	}

	if _, err := t.client.SendEmail(ctx, input); err != nil {
		return classifySESError("send", err)
	}
	return nil
}

// TestConnection checks credentials and region by reading the send quota.
func (t *SESTransport) TestConnection(ctx context.Context) error {
	if _, err := t.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{}); err != nil {
		return classifySESError("quota", err)
	}
	return nil
}

func classifySESError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentSESCodes[apiErr.ErrorCode()] {
		return NewPermanentError(op, err)
	}
	return NewTransientError(op, err)
}
