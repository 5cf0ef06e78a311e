// Package fatal implements the error taxonomy of the engine and the single
// abort path for errors that can't be handled in-band (§7 of the design).
package fatal

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Sentinel errors forming the taxonomy. Use errors.Is against these, never
// string comparison.
var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrNotLoggedIn     = fmt.Errorf("not logged in")
	ErrTransportFailed = fmt.Errorf("transport failure")
	ErrMalformedJSON   = fmt.Errorf("malformed json response")
	ErrBackedOff       = fmt.Errorf("sync iteration backed off")
	ErrCancelled       = fmt.Errorf("cancelled")
)

// KVError is a fatal error surfaced by the kvstore wrapper for any failure
// other than "not found" or "key already exists", which are converted to
// in-band values by the caller instead of reaching here.
type KVError struct {
	Op  string
	Err error
}

func (e *KVError) Error() string { return fmt.Sprintf("kv store: %s: %v", e.Op, e.Err) }
func (e *KVError) Unwrap() error { return e.Err }

// AbortWithDiagnostic is the single funnel for OOM and unexpected-KV-failure
// conditions. It logs a diagnostic and terminates the process; it never
// returns. Call sites that can restore terminal state should do so via
// restoreTerm before calling this.
func AbortWithDiagnostic(log *zerolog.Logger, restoreTerm func(), op string, err error) {
	if restoreTerm != nil {
		restoreTerm()
	}
	if log != nil {
		log.Error().Err(err).Str("op", op).Msg("Fatal error, aborting")
	} else {
		fmt.Fprintf(os.Stderr, "fatal error in %s: %v\n", op, err)
	}
	os.Exit(1)
}
