// Package email delivers operator alert mail.
package email

import "context"

// EmailSender delivers plain-text email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}
