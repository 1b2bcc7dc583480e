package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error in a form suitable for the user, and
// exits.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs panics before exiting. It must be deferred.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("stack", string(debug.Stack())).Errorf("Unexpected panic: %v", r)
	fmt.Fprintln(stderr, "sftpwatch crashed unexpectedly. "+
		"Rerun with --verbose and report the output.")
	exit(1)
}
