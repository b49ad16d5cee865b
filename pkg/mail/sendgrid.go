package mail

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridHost = "https://api.sendgrid.com"

// SendGridTransport sends through the SendGrid v3 mail send API.
type SendGridTransport struct {
	apiKey   string
	host     string
	from     string
	fromName string
}

// NewSendGridTransport creates a SendGrid transport from settings.
func NewSendGridTransport(s TransportSettings) *SendGridTransport {
	host := sendGridHost
	if s.Host != "" {
		host = s.Host
	}
	return &SendGridTransport{
		apiKey:   s.APIKey,
		host:     host,
		from:     s.FromAddress,
		fromName: s.FromName,
	}
}

func (t *SendGridTransport) Name() string {
	return string(ProviderSendGrid)
}

func (t *SendGridTransport) Send(ctx context.Context, item QueueItem) error {
	from := sgmail.NewEmail(t.fromName, t.from)
	to := sgmail.NewEmail(item.RecipientName, item.RecipientEmail)
	message := sgmail.NewSingleEmail(from, item.Subject, to, item.ContentText, item.ContentHTML)
	message.SetHeader("X-Mailqueue-Id", item.ID)

	req := sendgrid.GetRequest(t.apiKey, "/v3/mail/send", t.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(message)
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return NewTransientError("send", err)
	}
	return classifySendGridStatus("send", resp.StatusCode, resp.Body)
}

// TestConnection lists the API key scopes, which fails on a bad key.
func (t *SendGridTransport) TestConnection(ctx context.Context) error {
	req := sendgrid.GetRequest(t.apiKey, "/v3/scopes", t.host)
	req.Method = http.MethodGet
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return NewTransientError("scopes", err)
	}
	return classifySendGridStatus("scopes", resp.StatusCode, resp.Body)
}

func classifySendGridStatus(op string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return NewTransientError(op, fmt.Errorf("sendgrid returned %d: %s", status, body))
	default:
		return NewPermanentError(op, fmt.Errorf("sendgrid returned %d: %s", status, body))
	}
}
