// Package notify delivers ledger and queue events by e-mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const (
	subjectCreditLimit     = "Print credit limit reached"
	subjectTicketCompleted = "Your print job ticket %s was printed"
	subjectTicketCanceled  = "Your print job ticket %s was canceled"
	deliveryDateLayout     = "2006-01-02"
)

// ErrInvalidConfig is returned for an unusable mailer configuration.
var ErrInvalidConfig = errors.New("invalid mailer config")

// Sender transmits composed messages. *gomail.Dialer implements it.
type Sender interface {
	DialAndSend(messages ...*gomail.Message) error
}

// Config holds SMTP settings. Users receive mail at <user id>@RecipientDomain;
// events on shared accounts go to AdminAddress.
type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	From            string
	RecipientDomain string
	AdminAddress    string
}

// Mailer implements ledger.Notifier and outbox.Notifier.
type Mailer struct {
	sender Sender
	config Config
}

// NewMailer returns a Mailer sending through an SMTP dialer built from config.
func NewMailer(config Config) (*Mailer, error) {
	if strings.TrimSpace(config.Host) == "" || config.Port <= 0 {
		return nil, fmt.Errorf("%w: smtp host and port are required", ErrInvalidConfig)
	}
	return NewMailerWithSender(gomail.NewDialer(config.Host, config.Port, config.Username, config.Password), config)
}

// NewMailerWithSender returns a Mailer sending through sender.
func NewMailerWithSender(sender Sender, config Config) (*Mailer, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is nil", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.From) == "" {
		return nil, fmt.Errorf("%w: from address is required", ErrInvalidConfig)
	}
	config.RecipientDomain = strings.TrimPrefix(strings.TrimSpace(config.RecipientDomain), "@")
	return &Mailer{sender: sender, config: config}, nil
}

// NotifyCreditLimit tells the account owner that a charge was refused.
func (mailer *Mailer) NotifyCreditLimit(_ context.Context, account ledger.Account, attempted decimal.Decimal) error {
	recipient := mailer.config.AdminAddress
	if account.Type == ledger.AccountPersonal {
		recipient = mailer.userAddress(account.Name)
	}
	if recipient == "" {
		return nil
	}
	body := fmt.Sprintf(`
		<h2>%s</h2>
		<p>Account: %s</p>
		<p>Balance: %s</p>
		<p>Refused amount: %s</p>
	`, subjectCreditLimit, account.Name, account.Balance.StringFixed(2), attempted.StringFixed(2))
	return mailer.send(recipient, subjectCreditLimit, body)
}

// NotifyTicketCompleted tells the user their ticket was printed.
func (mailer *Mailer) NotifyTicketCompleted(_ context.Context, job outbox.Job) error {
	recipient := mailer.userAddress(job.UserID)
	if recipient == "" {
		return nil
	}
	printer := job.RedirectPrinter
	if printer == "" {
		printer = job.Printer
	}
	body := fmt.Sprintf(`
		<h2>Ticket %s</h2>
		<p>Document: %s</p>
		<p>Pages: %d x %d</p>
		<p>Printer: %s</p>
		<p>Cost: %s</p>
	`, job.TicketNumber, job.DocumentRef, job.PageCount, job.Copies, printer, job.Cost.StringFixed(2))
	return mailer.send(recipient, fmt.Sprintf(subjectTicketCompleted, job.TicketNumber), body)
}

// NotifyTicketCanceled tells the user their ticket was canceled.
func (mailer *Mailer) NotifyTicketCanceled(_ context.Context, job outbox.Job) error {
	recipient := mailer.userAddress(job.UserID)
	if recipient == "" {
		return nil
	}
	delivery := ""
	if job.DeliveryAt != nil {
		delivery = job.DeliveryAt.UTC().Format(deliveryDateLayout)
	}
	body := fmt.Sprintf(`
		<h2>Ticket %s</h2>
		<p>Document: %s</p>
		<p>Planned delivery: %s</p>
		<p>Canceled by: %s</p>
	`, job.TicketNumber, job.DocumentRef, delivery, job.Operator)
	return mailer.send(recipient, fmt.Sprintf(subjectTicketCanceled, job.TicketNumber), body)
}

func (mailer *Mailer) userAddress(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	if strings.Contains(userID, "@") {
		return userID
	}
	if mailer.config.RecipientDomain == "" {
		return ""
	}
	return userID + "@" + mailer.config.RecipientDomain
}

func (mailer *Mailer) send(to string, subject string, body string) error {
	message := gomail.NewMessage()
	message.SetHeader("From", mailer.config.From)
	message.SetHeader("To", to)
	message.SetHeader("Subject", subject)
	message.SetDateHeader("Date", time.Now())
	message.SetBody("text/html", body)
	if err := mailer.sender.DialAndSend(message); err != nil {
		return fmt.Errorf("send %q to %s: %w", subject, to, err)
	}
	return nil
}
