package mailbox

import "errors"

// AuthError indicates the IMAP server rejected the account's
// credentials. Supervisors treat it as terminal and do not retry.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
