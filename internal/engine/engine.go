// Package engine adapts the conversation engine that turns a user message and
// the conversation checkpoint into a reply.
package engine

import (
	"context"
	"errors"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

// StreamFunc receives reply chunks as the engine produces them.
type StreamFunc func(chunk string)

// Engine processes one envelope against the conversation checkpoint. It must
// not modify cp; the returned checkpoint includes the new turn.
//
// Errors are classified with errx codes: bad_request for requests the engine
// will never accept, engine_timeout when ctx expired, and anything else is
// treated as a transient engine failure.
type Engine interface {
	Process(ctx context.Context, cp *model.Checkpoint, env model.Envelope, stream StreamFunc) (*model.Checkpoint, string, error)
}

// Classify maps an engine error onto the gateway taxonomy. ctx is the context
// the call ran under.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errx.Is(err, errx.CodeBadRequest) || errx.Is(err, errx.CodeEngineTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errx.EngineTimeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errx.Is(err, errx.CodeEngineUnavailable) {
		return err
	}
	return errx.EngineUnavailable(err)
}

// Retryable reports whether a classified engine error may succeed on retry.
// Timeouts are not retried: the attempt already consumed its full budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errx.Is(err, errx.CodeEngineUnavailable)
}
