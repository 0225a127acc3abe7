// Package mailer sends a notification email for every uploaded object.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/events"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
)

// Name is the handler name used in topology files.
const Name = "mailer"

// Sender delivers one email through a mail provider.
type Sender interface {
	SendMessage(ctx context.Context, recipient, subject, body string) error
}

// Handler emails Recipient about each object in a batch. Emails already
// sent are reported as completed so a redelivery does not send them again.
// A body that cannot be decoded is skipped and left for redelivery. The
// first send failure stops the batch, since the provider is likely to
// reject the rest too.
type Handler struct {
	log       *zap.SugaredLogger
	sender    Sender
	recipient string
}

// New returns a Handler sending through sender to recipient.
func New(log *zap.SugaredLogger, sender Sender, recipient string) *Handler {
	return &Handler{log: log, sender: sender, recipient: recipient}
}

func (h *Handler) Handle(ctx context.Context, batch handler.Batch) handler.Result {
	var (
		sent []string
		errs []error
	)
	for _, msg := range batch.Messages {
		obj, err := events.DecodeObjectCreated(msg.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
			continue
		}
		subject, body := Compose(obj)
		if err := h.sender.SendMessage(ctx, h.recipient, subject, body); err != nil {
			h.log.Warnw("failed to send upload notification",
				"batchID", batch.ID,
				"messageID", msg.ID,
				"key", obj.Key,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
			break
		}
		sent = append(sent, msg.ID)
	}

	switch {
	case len(errs) == 0:
		return handler.Success()
	case len(sent) == 0:
		return handler.Failure(errors.Join(errs...))
	default:
		return handler.Partial(sent, errors.Join(errs...))
	}
}

// Compose builds the notification subject and body for obj.
func Compose(obj events.ObjectCreated) (subject, body string) {
	subject = "New image uploaded"
	body = fmt.Sprintf("We received your image. Its URL is s3://%s\nSize: %d bytes", obj.URI(), obj.Size)
	return subject, body
}

// LogSender writes emails to the log instead of sending them.
type LogSender struct {
	Log *zap.SugaredLogger
}

func (s LogSender) SendMessage(_ context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return errors.New("empty recipient")
	}
	s.Log.Infow("email",
		"to", recipient,
		"subject", subject,
		"body", body,
	)
	return nil
}
