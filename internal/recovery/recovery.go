// internal/recovery/recovery.go
package recovery

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
)

var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandlePanic should be deferred at the top of main().
// It logs panic details and exits with code 1.
func HandlePanic() {
	if r := recover(); r != nil {
		fatal("", r, nil)
	}
}

// HandlePanicFunc logs panic details and calls the provided cleanup function
// before exiting.
func HandlePanicFunc(cleanup func()) {
	if r := recover(); r != nil {
		fatal("", r, cleanup)
	}
}

// Go runs fn on a new goroutine. A panic in fn is reported under name, then
// cleanup runs and the process exits.
//
//	recovery.Go("http", func() { errCh <- srv.ListenAndServe(ctx) }, capture.Close)
func Go(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fatal(name, r, cleanup)
			}
		}()
		fn()
	}()
}

func fatal(name string, r any, cleanup func()) {
	label := "FATAL"
	if name != "" {
		label = "FATAL in " + name
	}
	_, _ = fmt.Fprintf(stderr, "%s: %v\n\nStack trace:\n%s\n", label, r, debug.Stack())
	if cleanup != nil {
		cleanup()
	}
	exit(1)
}
