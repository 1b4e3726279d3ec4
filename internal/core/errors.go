package core

import "errors"

// Sentinel errors returned by the services. Handlers map these to HTTP status
// codes; everything else is a 500.
var (
	// ErrNotFound: the addressed entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: the entity is not in a state from which the
	// requested transition is legal. Returned with no state mutation.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEmptyTarget: a deployment target selector resolved to zero nodes.
	ErrEmptyTarget = errors.New("target selector resolved to zero nodes")

	// ErrPackageNotFound: the referenced software package is unknown or
	// inactive.
	ErrPackageNotFound = errors.New("package not found")

	// ErrNotRequiringApproval: approval was requested for a job that does
	// not require it.
	ErrNotRequiringApproval = errors.New("job does not require approval")

	// ErrNodeUnavailable: the target node has no live agent channel.
	ErrNodeUnavailable = errors.New("node agent unavailable")

	// ErrRollbackUnsupported: the job's fix method has no rollback command.
	ErrRollbackUnsupported = errors.New("fix method does not support rollback")

	// ErrInvalidVersion: the supplied version string is not a semantic
	// version.
	ErrInvalidVersion = errors.New("invalid semantic version")
)
