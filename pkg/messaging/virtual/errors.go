package virtual

import "github.com/fenwick-systems/vtransport/pkg/errors"

// Taxonomy of stable error codes the virtual engine raises. These map
// directly onto the channel/routing contract's declared error conditions.
const (
	CodeNotFound           = errors.CodeNotFound
	CodeNotAllowed         = errors.CodeNotAllowed
	CodePreconditionFailed = errors.CodePreconditionFailed
	CodeNoRoute            = errors.CodeNoRoute
	CodeEmpty              = errors.CodeEmpty
	CodeTimeout            = errors.CodeTimeout
	CodeChannelError       = errors.CodeChannelError
	CodeConnectionError    = errors.CodeConnectionError
	CodeVersionMismatch    = errors.CodeVersionMismatch
	CodeInconsistentState  = errors.CodeInconsistentState
)

func errNotFound(what string) error {
	return errors.New(CodeNotFound, what, nil)
}

func errNotAllowed(what string) error {
	return errors.New(CodeNotAllowed, what, nil)
}

func errPreconditionFailed(what string) error {
	return errors.New(CodePreconditionFailed, what, nil)
}

func errNoRoute(what string) error {
	return errors.New(CodeNoRoute, what, nil)
}

// ErrEmpty is returned by basic_get and backend Get when a queue has no
// ready message. It is a sentinel comparable with errors.Is.
var ErrEmpty = errors.New(CodeEmpty, "queue is empty", nil)

func errChannel(what string, cause error) error {
	return errors.New(CodeChannelError, what, cause)
}

func errConnection(what string, cause error) error {
	return errors.New(CodeConnectionError, what, cause)
}

func errInconsistentState(what string) error {
	return errors.New(CodeInconsistentState, what, nil)
}
