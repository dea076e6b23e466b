// Command gojocore_waldump prints the records of a WAL stream in human
// readable form, using the same reader as crash recovery.
//
//	gojocore_waldump [OPTION]... [STARTSEG [ENDSEG]]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
