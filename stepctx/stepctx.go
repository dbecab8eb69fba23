// Package stepctx carries the work item of the current step execution
// through the context passed to a handler, so nested host code can read it
// without parameter threading. Context values travel with the logical
// execution across goroutine and scheduling boundaries, which OS-thread
// locals would not.
package stepctx

import (
	"context"

	"github.com/unmeshed/go-sdk/model"
)

type workItemKey struct{}

// With returns a context carrying item as the current work item.
func With(ctx context.Context, item *model.WorkItem) context.Context {
	return context.WithValue(ctx, workItemKey{}, item)
}

// From returns the work item of the enclosing step execution, if any.
func From(ctx context.Context) (*model.WorkItem, bool) {
	item, ok := ctx.Value(workItemKey{}).(*model.WorkItem)
	return item, ok
}

// MustFrom returns the work item of the enclosing step execution and panics
// when called outside one.
func MustFrom(ctx context.Context) *model.WorkItem {
	item, ok := From(ctx)
	if !ok {
		panic("stepctx: no work item in context")
	}
	return item
}
