package domain

import "errors"

var (
	ErrRequestNotFound      = errors.New("request not found")
	ErrInvalidOrigin        = errors.New("invalid security origin")
	ErrInvalidTabCapture    = errors.New("invalid tab capture request")
	ErrInvalidScreenCapture = errors.New("invalid screen capture request")
	ErrAccessDenied         = errors.New("access denied")
	ErrDeviceNotFound       = errors.New("device not found")
)
