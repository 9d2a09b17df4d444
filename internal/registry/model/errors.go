package model

// ErrValidation is returned by service methods when the caller supplies invalid
// input or violates a naming policy. Handlers convert this to HTTP 400.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// ErrForbidden is returned when the caller is not allowed to perform the
// operation at all. Handlers convert this to HTTP 403.
type ErrForbidden struct{ Msg string }

func (e *ErrForbidden) Error() string { return e.Msg }
