// Package imageprocess handles object-created events for uploaded images.
package imageprocess

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/events"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
)

// Name is the handler name used in topology files.
const Name = "imageprocess"

var ErrUnsupportedType = errors.New("unsupported image type")

// SupportedExtensions lists the object extensions accepted for processing.
var SupportedExtensions = []string{"jpeg", "jpg", "png"}

// Processor does the work for a single uploaded image.
type Processor interface {
	Process(ctx context.Context, obj events.ObjectCreated) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, obj events.ObjectCreated) error

func (f ProcessorFunc) Process(ctx context.Context, obj events.ObjectCreated) error {
	return f(ctx, obj)
}

// Handler runs the Processor for every message of a batch. Messages that
// fail are left out of the completed set so the queue redelivers them.
type Handler struct {
	log       *zap.SugaredLogger
	processor Processor
}

func New(log *zap.SugaredLogger, processor Processor) *Handler {
	return &Handler{log: log, processor: processor}
}

func (h *Handler) Handle(ctx context.Context, batch handler.Batch) handler.Result {
	completed := make([]string, 0, len(batch.Messages))
	var errs []error

	for _, msg := range batch.Messages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h.handle(ctx, msg.Body); err != nil {
			h.log.Warnw("image not processed",
				"batchID", batch.ID,
				"messageID", msg.ID,
				"deliveryCount", msg.DeliveryCount,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
			continue
		}
		completed = append(completed, msg.ID)
	}

	switch {
	case len(errs) == 0:
		return handler.Success()
	case len(completed) == 0:
		return handler.Failure(errors.Join(errs...))
	default:
		return handler.Partial(completed, errors.Join(errs...))
	}
}

func (h *Handler) handle(ctx context.Context, body []byte) error {
	obj, err := events.DecodeObjectCreated(body)
	if err != nil {
		return err
	}
	if !slices.Contains(SupportedExtensions, obj.Extension()) {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, obj.Key)
	}
	return h.processor.Process(ctx, obj)
}

// LogProcessor records each accepted image in the log.
type LogProcessor struct {
	Log *zap.SugaredLogger
}

func (p LogProcessor) Process(_ context.Context, obj events.ObjectCreated) error {
	p.Log.Infow("image processed",
		"bucket", obj.Bucket,
		"key", obj.Key,
		"size", obj.Size,
	)
	return nil
}
