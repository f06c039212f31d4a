// Package ctxutil holds context.Context helpers.
package ctxutil

import (
	"context"

	"go.shortlink.dev/infra/go/sklog"
)

// ConfirmContextHasDeadline logs an error, with a stack trace, if the
// passed in context does not have a deadline. Every context that reaches a
// database call should have one.
func ConfirmContextHasDeadline(ctx context.Context) {
	if _, ok := ctx.Deadline(); !ok {
		sklog.Errorf("Context does not have a deadline.")
	}
}
