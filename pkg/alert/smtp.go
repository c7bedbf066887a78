package alert

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/gomail.v2"
	"k8s.io/klog/v2"

	"github.com/raids-lab/acqpipe/pkg/config"
)

// sender is the part of gomail.Dialer the alerter uses.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPAlerter struct {
	from   string
	notify []string
	dialer sender
}

func NewSMTPAlerter(cfg *config.SMTPConfig) *SMTPAlerter {
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	return &SMTPAlerter{
		from:   from,
		notify: cfg.Notify,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
	}
}

func (a *SMTPAlerter) Alert(_ context.Context, subject, body string) error {
	host, _ := os.Hostname()

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", a.notify...)
	m.SetHeader("Subject", fmt.Sprintf("[acqpipe] %s", subject))
	m.SetBody("text/plain", fmt.Sprintf("%s\n\nhost: %s\ntime: %s\n", body, host, time.Now().Format(time.RFC3339)))

	if err := a.dialer.DialAndSend(m); err != nil {
		klog.Errorf("Failed to send alert %q to %v: %v", subject, a.notify, err)
		return fmt.Errorf("SMTPAlerter.Alert: %w", err)
	}
	klog.Infof("Sent alert %q to %v", subject, a.notify)
	return nil
}

// logAlerter is used when no mail server is configured.
type logAlerter struct{}

func (logAlerter) Alert(_ context.Context, subject, body string) error {
	klog.Errorf("ALERT %s: %s", subject, body)
	return nil
}
