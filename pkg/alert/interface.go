// Package alert notifies operators of conditions that need a human, such as
// a storage error that stops a daemon from making progress.
package alert

import (
	"context"

	"github.com/raids-lab/acqpipe/pkg/config"
)

// Alerter delivers one operator notification.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// New returns an SMTP alerter when a mail host is configured, otherwise an
// alerter that only logs.
func New(cfg *config.SMTPConfig) Alerter {
	if cfg == nil || cfg.Host == "" || len(cfg.Notify) == 0 {
		return logAlerter{}
	}
	return NewSMTPAlerter(cfg)
}
