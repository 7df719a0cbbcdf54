package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"suiftly/api_billing/pkg/config"
	"suiftly/api_billing/pkg/logging"
)

// EmailService sends billing emails to customers over SMTP.
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	baseURL      string
	logger       logging.Logger
}

// EmailData is the template payload for billing emails.
type EmailData struct {
	CustomerName string
	InvoiceID    string
	AmountUsd    float64
	DueDate      time.Time
	PaidAt       *time.Time
	Source       string
	DaysPastDue  int
	LoginURL     string
	ActionURL    string
}

// NewEmailService reads SMTP settings from the environment.
func NewEmailService(logger logging.Logger) *EmailService {
	return &EmailService{
		smtpHost:     config.GetEnv("SMTP_HOST", ""),
		smtpPort:     config.GetEnvInt("SMTP_PORT", 587),
		smtpUser:     config.GetEnv("SMTP_USER", ""),
		smtpPassword: config.GetEnv("SMTP_PASSWORD", ""),
		fromEmail:    config.GetEnv("FROM_EMAIL", ""),
		fromName:     config.GetEnv("FROM_NAME", "Suiftly Billing"),
		baseURL:      config.GetEnv("FRONTEND_URL", ""),
		logger:       logger,
	}
}

// IsConfigured reports whether outgoing mail can be sent.
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendInvoiceCreated notifies the customer of a newly finalized invoice.
func (es *EmailService) SendInvoiceCreated(to, name, invoiceID string, amountCents int64, dueDate time.Time) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping invoice created email")
		return nil
	}

	data := EmailData{
		CustomerName: name,
		InvoiceID:    invoiceID,
		AmountUsd:    float64(amountCents) / 100,
		DueDate:      dueDate,
		LoginURL:     es.baseURL + "/login",
	}
	body, err := es.renderTemplate("invoice_created", data)
	if err != nil {
		return fmt.Errorf("failed to render invoice created template: %w", err)
	}
	return es.sendEmail(to, fmt.Sprintf("New Invoice %s - Suiftly", invoiceID), body)
}

// SendPaymentFailed notifies the customer of a failed settlement. actionURL
// is set when the charge is waiting on 3-D-Secure completion.
func (es *EmailService) SendPaymentFailed(to, name, invoiceID string, amountCents int64, actionURL string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping payment failed email")
		return nil
	}

	data := EmailData{
		CustomerName: name,
		InvoiceID:    invoiceID,
		AmountUsd:    float64(amountCents) / 100,
		LoginURL:     es.baseURL + "/login",
		ActionURL:    actionURL,
	}
	body, err := es.renderTemplate("payment_failed", data)
	if err != nil {
		return fmt.Errorf("failed to render payment failed template: %w", err)
	}
	return es.sendEmail(to, fmt.Sprintf("Payment Failed - Invoice %s", invoiceID), body)
}

// SendOverdueReminder nags the customer about an invoice past its retry
// budget.
func (es *EmailService) SendOverdueReminder(to, name, invoiceID string, amountCents int64, daysPastDue int) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping overdue reminder email")
		return nil
	}

	data := EmailData{
		CustomerName: name,
		InvoiceID:    invoiceID,
		AmountUsd:    float64(amountCents) / 100,
		DaysPastDue:  daysPastDue,
		LoginURL:     es.baseURL + "/login",
	}
	body, err := es.renderTemplate("overdue_reminder", data)
	if err != nil {
		return fmt.Errorf("failed to render overdue reminder template: %w", err)
	}
	return es.sendEmail(to, fmt.Sprintf("Payment Reminder - Invoice %s (%d days overdue)", invoiceID, daysPastDue), body)
}

func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	if err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg)); err != nil {
		es.logger.WithError(err).WithFields(logging.Fields{
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent")
	return nil
}

func (es *EmailService) renderTemplate(name string, data EmailData) (string, error) {
	templates := map[string]string{
		"invoice_created": `
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>New invoice from Suiftly</h2>
    <p>Hello {{.CustomerName}},</p>
    <p>A new invoice has been generated for your Suiftly account:</p>
    <div style="background-color: #f8f9fa; padding: 20px; border-radius: 5px;">
      <p><strong>Invoice:</strong> {{.InvoiceID}}</p>
      <p><strong>Amount:</strong> ${{printf "%.2f" .AmountUsd}} USD</p>
      <p><strong>Due:</strong> {{.DueDate.Format "January 2, 2006"}}</p>
    </div>
    <p><a href="{{.LoginURL}}">View your invoices</a></p>
  </div>
</body>
</html>`,
		"payment_failed": `
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Payment failed</h2>
    <p>Hello {{.CustomerName}},</p>
    <p>We could not collect payment for invoice {{.InvoiceID}}
       (${{printf "%.2f" .AmountUsd}} USD).</p>
    {{if .ActionURL}}
    <p>Your card requires additional verification:
       <a href="{{.ActionURL}}">complete authentication</a>.</p>
    {{else}}
    <p>Please check your payment methods or top up your escrow balance.</p>
    {{end}}
    <p><a href="{{.LoginURL}}">Manage billing</a></p>
  </div>
</body>
</html>`,
		"overdue_reminder": `
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Payment reminder</h2>
    <p>Hello {{.CustomerName}},</p>
    <p>Invoice {{.InvoiceID}} (${{printf "%.2f" .AmountUsd}} USD) is
       {{.DaysPastDue}} days overdue. Services may be suspended if the
       balance remains unpaid.</p>
    <p><a href="{{.LoginURL}}">Pay now</a></p>
  </div>
</body>
</html>`,
	}

	tmplText, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown email template %q", name)
	}

	tmpl, err := template.New(name).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
