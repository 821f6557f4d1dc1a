package llm

import (
	"context"
	"errors"
	"log/slog"
)

// Fallback tries Primary and switches to Secondary when Primary fails to
// generate. Errors that are not GenerationErrors are returned as is.
type Fallback struct {
	Primary   Completer
	Secondary Completer
}

// Complete implements Completer.
func (f Fallback) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	out, err := f.Primary.Complete(ctx, prompt, opts)
	if err == nil {
		return out, nil
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || f.Secondary == nil {
		return "", err
	}
	slog.Warn("primary model failed, trying fallback", "error", err)

	out, err2 := f.Secondary.Complete(ctx, prompt, opts)
	if err2 == nil {
		return out, nil
	}
	return "", &GenerationError{Err: errors.Join(err, err2)}
}
