package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"bidaggregator/internal/bid"

	"github.com/jordan-wright/email"
)

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	// Username defaults to EmailAddress.
	Username string `json:"username"`
	Password string `json:"password"`
	StartTLS bool   `json:"start_tls"`
}

func (c SmtpConfig) Configured() bool {
	return c.Server != "" && c.EmailAddress != ""
}

// Email sends plain text mail over SMTP, the recipient is an address.
type Email struct {
	config SmtpConfig
	send   func(mail *email.Email, addr string, auth smtp.Auth) error
}

func NewEmail(config SmtpConfig) Email {
	if config.Port == 0 {
		config.Port = 587
	}
	if config.Username == "" {
		config.Username = config.EmailAddress
	}
	e := Email{config: config}
	e.send = func(mail *email.Email, addr string, auth smtp.Auth) error {
		if config.StartTLS {
			return mail.SendWithStartTLS(addr, auth, &tls.Config{ServerName: config.Server})
		}
		return mail.Send(addr, auth)
	}
	return e
}

func (e Email) Send(ctx context.Context, recipient, title string, items []bid.Bid) error {
	if len(items) == 0 {
		return nil
	}
	if !e.config.Configured() {
		return fmt.Errorf("smtp is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := EmailContent(title, items)
	mail := email.NewEmail()
	mail.From = e.config.EmailAddress
	mail.To = []string{recipient}
	mail.Subject = subject
	mail.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", e.config.Server, e.config.Port)
	var auth smtp.Auth
	if e.config.Password != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Server)
	}
	err := e.send(mail, addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.send(mail, addr, nil)
	}
	return err
}

// EmailContent renders the subject and plain text body.
func EmailContent(title string, items []bid.Bid) (string, string) {
	subject := fmt.Sprintf("[入札情報アラート] %s: %d件の新着", title, len(items))

	body := &strings.Builder{}
	fmt.Fprintf(body, "入札情報アラート: %s\n", title)
	fmt.Fprintf(body, "新着 %d 件の案件があります\n\n", len(items))
	body.WriteString(strings.Repeat("=", 50) + "\n\n")
	for i, b := range items {
		fmt.Fprintf(body, "[%d] %s\n", i+1, b.Title)
		fmt.Fprintf(body, "    機関: %s\n", b.Organization)
		if line := dateLine(b); line != "" {
			fmt.Fprintf(body, "    %s\n", line)
		}
		if b.DetailURL != "" {
			fmt.Fprintf(body, "    URL: %s\n", b.DetailURL)
		}
		body.WriteString("\n")
	}
	body.WriteString(strings.Repeat("=", 50) + "\n")
	return subject, body.String()
}
