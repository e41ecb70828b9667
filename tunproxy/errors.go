package tunproxy

import "fmt"

var (
	// ErrUnexpectedSigningMethod is returned when a JWT is not signed
	// with HMAC
	ErrUnexpectedSigningMethod = fmt.Errorf("unexpected signing method")

	// ErrAuthFailed is returned when a JWT fails validation
	ErrAuthFailed = fmt.Errorf("authentication failed")

	// ErrTokenNotValid is returned when a JWT cannot be decoded
	ErrTokenNotValid = fmt.Errorf("token not valid")
)
