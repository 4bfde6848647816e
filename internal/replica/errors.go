package replica

import "errors"

var (
	// ErrNotAuthenticated indicates that no credentials are configured.
	ErrNotAuthenticated = errors.New("replica: not authenticated")
	// ErrAuthRejected indicates the server refused the stored credentials.
	// Always surfaced to the user regardless of the trigger, since a silent
	// login failure would strand the replica permanently un-synced.
	ErrAuthRejected = errors.New("replica: credentials rejected by server")
	// ErrVersionConflict indicates the server holds a newer annotation
	// version than the push was based on.
	ErrVersionConflict = errors.New("replica: annotation version conflict")
	// ErrSyncBusy indicates another push or pull holds the session's single
	// in-flight slot.
	ErrSyncBusy = errors.New("replica: another sync operation is in flight")
	// ErrSessionClosed indicates the document session was torn down.
	ErrSessionClosed = errors.New("replica: session closed")
)
