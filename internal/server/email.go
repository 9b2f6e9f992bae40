package server

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// EmailConfig holds configuration for sending emails via SMTP
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	FromEmail    string
	Enabled      bool
}

// EmailService handles sending emails
type EmailService struct {
	config EmailConfig
	log    zerolog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailService creates a new email service
func NewEmailService(cfg EmailConfig, log zerolog.Logger) *EmailService {
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = cfg.SMTPUser
	}
	return &EmailService{config: cfg, log: log.With().Str("component", "email").Logger(), send: smtp.SendMail}
}

// SendEmail sends an email with the given subject and body
func (s *EmailService) SendEmail(to, subject, body string) error {
	if !s.config.Enabled {
		s.log.Debug().Str("to", to).Str("subject", subject).Msg("email disabled, not sent")
		return nil
	}

	if s.config.SMTPHost == "" || s.config.SMTPUser == "" || s.config.SMTPPassword == "" {
		return fmt.Errorf("SMTP not configured")
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value")
	}

	message := []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		s.config.FromEmail, to, subject, body,
	))

	auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPassword, s.config.SMTPHost)
	addr := s.config.SMTPHost + ":" + s.config.SMTPPort
	if err := s.send(addr, auth, s.config.FromEmail, []string{to}, message); err != nil {
		return err
	}

	s.log.Info().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

// sendAsync delivers in the background; failures are only logged.
func (s *EmailService) sendAsync(ctx context.Context, to, subject, body string) {
	if s == nil || !s.config.Enabled || to == "" {
		return
	}
	log := zerolog.Ctx(ctx)
	go func() {
		if err := s.SendEmail(to, subject, body); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("email failed")
		}
	}()
}

// SendOrderConfirmation mails the order summary after checkout.
func (s *EmailService) SendOrderConfirmation(ctx context.Context, to, name string, o Order) {
	subject := fmt.Sprintf("Order %s confirmed", shortID(o.ID))
	s.sendAsync(ctx, to, subject, orderEmailBody(name, "Thanks for your order!",
		"We have received your order and will ship it once payment is complete.", o))
}

// SendPaymentReceipt mails the receipt once the card payment cleared.
func (s *EmailService) SendPaymentReceipt(ctx context.Context, to, name string, o Order) {
	subject := fmt.Sprintf("Payment received for order %s", shortID(o.ID))
	s.sendAsync(ctx, to, subject, orderEmailBody(name, "Payment received",
		"Your payment was successful. We are preparing your order for delivery.", o))
}

func orderEmailBody(name, heading, intro string, o Order) string {
	var rows strings.Builder
	for _, it := range o.Items {
		fmt.Fprintf(&rows, `<tr><td>%s</td><td style="text-align:right;">%d</td><td style="text-align:right;">%s</td></tr>`,
			html.EscapeString(it.Name), it.Quantity, formatCents(it.PriceCents*int64(it.Quantity)))
	}
	a := o.ShippingAddress
	return fmt.Sprintf(`
		<html>
		<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
			<div style="max-width: 600px; margin: 0 auto; padding: 20px; background: #f9f9f9; border-radius: 10px;">
				<h2 style="color: #4F46E5;">%s</h2>
				<p>Hi %s,</p>
				<p>%s</p>
				<table style="width: 100%%; border-collapse: collapse;">
					<tr><th style="text-align:left;">Item</th><th style="text-align:right;">Qty</th><th style="text-align:right;">Amount</th></tr>
					%s
				</table>
				<p>Items: %s<br>Shipping: %s<br>Tax: %s<br><strong>Total: %s</strong></p>
				<p style="color: #666; font-size: 0.9em;">Shipping to: %s, %s %s, %s</p>
				<p style="color: #666; font-size: 0.85em; margin-top: 30px;">Order reference: %s</p>
			</div>
		</body>
		</html>
	`, html.EscapeString(heading), html.EscapeString(name), html.EscapeString(intro), rows.String(),
		formatCents(o.ItemsCents), formatCents(o.ShippingCents), formatCents(o.TaxCents), formatCents(o.TotalCents),
		html.EscapeString(a.Address), html.EscapeString(a.PostalCode), html.EscapeString(a.City), html.EscapeString(a.Country),
		o.ID)
}
