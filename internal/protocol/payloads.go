// Package protocol defines the wire payloads and error envelope shared by
// the sync server and the replica-side HTTP client. Every call is
// authenticated by the username and derived secret headers; there are no
// session tokens.
package protocol

import "github.com/pagemark-labs/pagemark/internal/annotation"

// Authentication headers carried on every authenticated request.
const (
	HeaderAuthUser = "x-auth-user"
	HeaderAuthKey  = "x-auth-key"
)

// Error codes returned inside the error envelope.
const (
	CodeInternalError   = 2000
	CodeUnauthorized    = 2001
	CodeUserExists      = 2002
	CodeInvalidRequest  = 2003
	CodeDocumentMissing = 2004
	CodeVersionConflict = 2005
)

// ErrorResponse is the envelope returned on every failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CreateUserRequest registers a new account. The username must be non-empty
// and must not contain ':' (the server's storage key separator).
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateUserResponse echoes the registered username.
type CreateUserResponse struct {
	Username string `json:"username"`
}

// AuthResponse confirms that the supplied credentials are valid.
type AuthResponse struct {
	Authorized string `json:"authorized"`
}

// UpdateProgressRequest uploads the current reading position for a document.
type UpdateProgressRequest struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device"`
	DeviceID   string  `json:"device_id,omitempty"`
}

// UpdateProgressResponse acknowledges a progress upload.
type UpdateProgressResponse struct {
	Document  string `json:"document"`
	Timestamp int64  `json:"timestamp"`
}

// Progress is the stored reading position for one (user, document) pair.
// All fields are optional on the wire; a record with no timestamp means the
// server holds nothing for the document.
type Progress struct {
	Document   string  `json:"document,omitempty"`
	Progress   string  `json:"progress,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
	Device     string  `json:"device,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

// IsZero reports whether the server returned no stored record.
func (p Progress) IsZero() bool {
	return p.Progress == "" && p.Timestamp == 0
}

// DocumentAnnotations is the full remote state for one document: the
// annotation list, the accumulated deletion identifiers and the version
// counter incremented on every accepted update.
type DocumentAnnotations struct {
	Version     int64                   `json:"version"`
	Annotations []annotation.Annotation `json:"annotations"`
	Deleted     []string                `json:"deleted"`
	UpdatedAt   int64                   `json:"updated_at"`
}

// UpdateAnnotationsRequest replaces the document's annotation list. The
// deleted identifiers are unioned into the server's tombstone list, and a
// non-nil BaseVersion enables the optimistic stale-write check.
type UpdateAnnotationsRequest struct {
	Annotations []annotation.Annotation `json:"annotations"`
	Deleted     []string                `json:"deleted,omitempty"`
	BaseVersion *int64                  `json:"base_version,omitempty"`
}

// UpdateAnnotationsResponse acknowledges an annotation update.
type UpdateAnnotationsResponse struct {
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// HealthResponse is returned by the healthcheck endpoint.
type HealthResponse struct {
	State string `json:"state"`
}
