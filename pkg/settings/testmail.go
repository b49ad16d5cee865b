package settings

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/webportal/mailqueue/pkg/mail"
)

type testMailParams struct {
	To          string
	Provider    string
	FromAddress string
	FromName    string
	RequestedAt time.Time
}

var (
	//go:embed templates/test_email.html
	testMailHTMLRaw string
	//go:embed templates/test_email.txt
	testMailTextRaw string

	testMailHTML = htmltemplate.Must(htmltemplate.New("test_email.html").Funcs(sprig.FuncMap()).Parse(testMailHTMLRaw))
	testMailText = texttemplate.Must(texttemplate.New("test_email.txt").Funcs(sprig.TxtFuncMap()).Parse(testMailTextRaw))
)

func renderTestMail(p testMailParams) (html, text string, err error) {
	var hb, tb bytes.Buffer
	if err := testMailHTML.Execute(&hb, p); err != nil {
		return "", "", fmt.Errorf("render test email html: %w", err)
	}
	if err := testMailText.Execute(&tb, p); err != nil {
		return "", "", fmt.Errorf("render test email text: %w", err)
	}
	return hb.String(), tb.String(), nil
}

// SendTestEmail queues a short test message to the given address. Delivery goes
// through the queue like any other email.
func (p *Provider) SendTestEmail(ctx context.Context, to string) (string, error) {
	s, err := p.Load(ctx)
	if err != nil {
		return "", err
	}
	html, text, err := renderTestMail(testMailParams{
		To:          to,
		Provider:    string(s.Provider),
		FromAddress: s.FromAddress,
		FromName:    s.FromName,
		RequestedAt: p.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	id, err := p.enqueuer.Enqueue(ctx, mail.NewQueueItem{
		RecipientEmail: to,
		Subject:        "Mail delivery test",
		ContentHTML:    html,
		ContentText:    text,
		Type:           mail.TypeSystem,
		Metadata:       map[string]string{"source": "settings-test"},
	})
	if err != nil {
		return "", err
	}
	p.log.Infow("Queued test email", "id", id)
	return id, nil
}
