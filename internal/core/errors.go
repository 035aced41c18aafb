package core

import "errors"

var (
	// ErrMalformedRequest marks inbound messages that cannot become jobs.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrNoPrinterAvailable is the only error the spooler retries.
	ErrNoPrinterAvailable = errors.New("no printer available")
	ErrRender             = errors.New("render failed")
	ErrPrintBackend       = errors.New("print backend failed")
	ErrDiscovery          = errors.New("wireless discovery failed")
)
