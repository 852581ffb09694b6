package models

import "errors"

// Error kinds shared by every component. Wrap them with fmt.Errorf("%w: ...")
// and classify with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrDependencyDegraded = errors.New("dependency degraded")
	ErrTransport          = errors.New("transport error")
)
