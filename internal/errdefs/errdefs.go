// Package errdefs classifies user-visible errors into the taxonomy the API
// layer maps onto response codes: not-found, conflict and invalid-parameter.
package errdefs

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Unwrap() error { return e.error }

// NotFound marks an error as a missing-entity error.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return errNotFound{err}
}

// IsNotFound reports whether the error chain carries a not-found mark.
func IsNotFound(err error) bool {
	return is(err, func(e error) bool {
		_, ok := e.(interface{ NotFound() })
		return ok
	})
}

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Unwrap() error { return e.error }

// Conflict marks an error as a state-conflict (in-use) error.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return errConflict{err}
}

// IsConflict reports whether the error chain carries a conflict mark.
func IsConflict(err error) bool {
	return is(err, func(e error) bool {
		_, ok := e.(interface{ Conflict() })
		return ok
	})
}

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Unwrap() error { return e.error }

// InvalidParameter marks an error as a bad-request class error.
func InvalidParameter(err error) error {
	if err == nil {
		return nil
	}
	return errInvalidParameter{err}
}

// IsInvalidParameter reports whether the error chain carries a bad-request
// mark.
func IsInvalidParameter(err error) bool {
	return is(err, func(e error) bool {
		_, ok := e.(interface{ InvalidParameter() })
		return ok
	})
}

func is(err error, check func(error) bool) bool {
	for err != nil {
		if check(err) {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
