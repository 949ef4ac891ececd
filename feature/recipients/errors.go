package recipients

import "errors"

var (
	ErrRemoteUnavailable    = errors.New("remote store unavailable")
	ErrDuplicateRecipient   = errors.New("duplicate recipient")
	ErrQueryFailed          = errors.New("store query failed")
	ErrWriteFailed          = errors.New("store write failed")
	ErrConfigurationMissing = errors.New("tenant configuration missing")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrInvalidDefectFilter  = errors.New("invalid defect filter")
	ErrReadOnlyTenant       = errors.New("tenant is read-only")
)
