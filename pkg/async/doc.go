// Package async runs background goroutines that must not take the process
// down.
//
// SafeGo recovers panics, logs returned errors and reports completion on a
// channel, so long-running commands can watch their helpers:
//
//	done := async.SafeGo(ctx, logger, 0, "metrics server", func(ctx context.Context) error {
//		return server.ListenAndServe()
//	})
package async
