/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPTransport sends one message per connection through gomail.
//
// gomail dials with a fixed timeout and has no context support, so the send
// deadline is enforced by the dispatcher around Send.
type SMTPTransport struct {
	host     string
	from     string
	fromName string
	dkim     *DKIMSigner
	dial     func() (gomail.SendCloser, error)
}

// NewSMTPTransport creates an SMTP transport from settings. dkim may be nil.
func NewSMTPTransport(s TransportSettings, dkim *DKIMSigner) *SMTPTransport {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	d.SSL = s.UseSSL || s.Port == 465
	d.TLSConfig = &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: s.InsecureSkipVerify, // #nosec G402 -- opt-in for self-signed relays
		MinVersion:         tls.VersionTLS12,
	}
	return &SMTPTransport{
		host:     s.Host,
		from:     s.FromAddress,
		fromName: s.FromName,
		dkim:     dkim,
		dial:     d.Dial,
	}
}

func (t *SMTPTransport) Name() string {
	return string(ProviderSMTP)
}

func (t *SMTPTransport) Send(ctx context.Context, item QueueItem) error {
	if err := ctx.Err(); err != nil {
		return NewTransientError("send", err)
	}

	var buf bytes.Buffer
	if _, err := t.message(item).WriteTo(&buf); err != nil {
		return NewPermanentError("compose", err)
	}
	raw, err := t.dkim.Sign(buf.Bytes(), t.from)
	if err != nil {
		return NewTransientError("sign", err)
	}

	sc, err := t.dial()
	if err != nil {
		return classifySMTPError("dial", err)
	}
	defer func() { _ = sc.Close() }()

	if err := sc.Send(t.from, []string{item.RecipientEmail}, rawMessage(raw)); err != nil {
		return classifySMTPError("send", err)
	}
	return nil
}

// TestConnection connects and authenticates without sending.
func (t *SMTPTransport) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewTransientError("dial", err)
	}
	sc, err := t.dial()
	if err != nil {
		return classifySMTPError("dial", err)
	}
	if err := sc.Close(); err != nil {
		return classifySMTPError("quit", err)
	}
	return nil
}

func (t *SMTPTransport) message(item QueueItem) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", t.from, t.fromName)
	if item.RecipientName != "" {
		m.SetAddressHeader("To", item.RecipientEmail, item.RecipientName)
	} else {
		m.SetHeader("To", item.RecipientEmail)
	}
	m.SetHeader("Subject", item.Subject)
	m.SetDateHeader("Date", time.Now())
	if domain := domainOf(t.from); domain != "" {
		m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", item.ID, domain))
	}
	m.SetHeader("X-Mailqueue-Id", item.ID)

	switch {
	case item.ContentText != "" && item.ContentHTML != "":
		m.SetBody("text/plain", item.ContentText)
		m.AddAlternative("text/html", item.ContentHTML)
	case item.ContentHTML != "":
		m.SetBody("text/html", item.ContentHTML)
	default:
		m.SetBody("text/plain", item.ContentText)
	}
	return m
}

type rawMessage []byte

func (m rawMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m)
	return int64(n), err
}

// classifySMTPError maps SMTP reply codes to permanent (5xx) or transient (4xx)
// failures. Connection level errors are transient.
func classifySMTPError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return NewPermanentError(op, err)
		}
		return NewTransientError(op, err)
	}
	// net.Error, EOF and TLS handshake failures all land here.
	return NewTransientError(op, err)
}
