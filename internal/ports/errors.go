package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Trading Core Errors
	ErrDuplicateSignal       = errors.New("signal already has an associated order")
	ErrInsufficientFunds     = errors.New("insufficient funds for operation")
	ErrInvalidTransition     = errors.New("invalid order state transition")
	ErrTransport             = errors.New("transient transport failure")
	ErrTransportExhausted    = errors.New("transport retries exhausted")
	ErrReconciliationAnomaly = errors.New("local state diverged from exchange")
	ErrSuperseded            = errors.New("signal superseded by a newer signal")
	ErrRiskRejected          = errors.New("order rejected by risk limits")
	ErrInvalidSignal         = errors.New("invalid signal")
	ErrUnknownOrder          = errors.New("order not tracked by the ledger")

	// Exchange Specific Errors
	ErrExchangeUnavailable   = errors.New("exchange API is unavailable")
	ErrConnectionFailed      = errors.New("failed to connect to the exchange")
	ErrRateLimited           = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed  = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys        = errors.New("invalid API keys or permissions")
	ErrOrderNotFound         = errors.New("order not found on the exchange")
	ErrPositionNotFound      = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed  = errors.New("failed to place order")
	ErrOrderCancelFailed     = errors.New("failed to cancel order")
	ErrDuplicateClientOrder  = errors.New("client order id already used on the exchange")
	ErrInstrumentUnavailable = errors.New("instrument not tradable")
	ErrProtectiveOrder       = errors.New("failed to place protective order")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)

// IsTransient reports whether err is worth retrying with the same idempotency token.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable)
}

// IsRejection reports whether the exchange answered and refused the request,
// so nothing was created on its side.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrOrderPlacementFailed) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInstrumentUnavailable) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrInvalidAPIKeys) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrConfigurationError) ||
		errors.Is(err, ErrRiskRejected)
}

// IsAmbiguous reports whether a failed request may still have taken effect.
// Everything that is not a definite rejection counts, unclassified errors
// (ErrUnknown) and cancellations included.
func IsAmbiguous(err error) bool {
	return err != nil && !IsRejection(err)
}

// IsFatalAtStartup reports whether err should halt the process during startup.
func IsFatalAtStartup(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrInvalidAPIKeys) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrConfigurationError)
}
