package transport

import "context"

// Bind returns a context that is done when either ctx or root is done, so
// a call can be aborted both by its caller and by adapter cleanup.
func Bind(ctx, root context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(root, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
