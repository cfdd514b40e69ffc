package vigie

import "errors"

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("vigie: invalid config")

// ErrUnknownWatch is returned for ids that are not configured.
var ErrUnknownWatch = errors.New("vigie: unknown watch")

// ErrNotRunning is returned by operations that need Run to be active.
var ErrNotRunning = errors.New("vigie: service not running")

// ErrUnknownChange is returned for change ids not in the history.
var ErrUnknownChange = errors.New("vigie: unknown change")

// ErrInvalidArgument is returned for malformed request parameters.
var ErrInvalidArgument = errors.New("vigie: invalid argument")

// ErrAlreadyRan is returned by Run on a Service that has already been run.
var ErrAlreadyRan = errors.New("vigie: Run already called")
