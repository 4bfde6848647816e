// Package replica implements the device-side synchronization engine: the
// event-driven scheduler that decides when annotation state is pushed to or
// pulled from the remote store, and the reading-position syncer. All host
// facilities (transport, local stores, UI, connectivity) are consumed
// through the narrow interfaces defined here.
package replica

import (
	"context"

	"github.com/pagemark-labs/pagemark/internal/annotation"
	"github.com/pagemark-labs/pagemark/internal/protocol"
)

// Transport performs the four remote sync operations. Implementations wrap
// the HTTP protocol; failures map onto the package error variables.
type Transport interface {
	GetAnnotations(ctx context.Context, document string) (protocol.DocumentAnnotations, error)
	PutAnnotations(ctx context.Context, document string, request protocol.UpdateAnnotationsRequest) (protocol.UpdateAnnotationsResponse, error)
	GetProgress(ctx context.Context, document string) (protocol.Progress, error)
	PutProgress(ctx context.Context, request protocol.UpdateProgressRequest) (protocol.UpdateProgressResponse, error)
}

// AnnotationStore is the replica's local copy of a document's annotations
// and reading position.
type AnnotationStore interface {
	Annotations(ctx context.Context, document string) ([]annotation.Annotation, error)
	ReplaceAnnotations(ctx context.Context, document string, items []annotation.Annotation) error
	Position(ctx context.Context, document string) (position string, percentage float64, err error)
	SetPosition(ctx context.Context, document string, position string, percentage float64) error
}

// SyncState is the per-document sync bookkeeping that survives restarts.
type SyncState struct {
	Version    int64
	Tombstones []string
}

// SettingsStore persists sync state across reading sessions and holds the
// process-wide device identity, generated once and stable thereafter.
type SettingsStore interface {
	DeviceID(ctx context.Context) (string, error)
	SyncState(ctx context.Context, document string) (SyncState, error)
	SaveSyncState(ctx context.Context, document string, state SyncState) error
}

// Notifier surfaces sync outcomes at the edges. Confirm blocks for a user
// decision and is only invoked for passive progress application.
type Notifier interface {
	Notify(text string)
	Confirm(prompt string) (bool, error)
}

// Connectivity reports network availability and queues work for the next
// transition to online.
type Connectivity interface {
	IsOnline() bool
	RunWhenOnline(fn func())
}

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

func (noopNotifier) Confirm(string) (bool, error) {
	return false, nil
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool {
	return true
}

func (alwaysOnline) RunWhenOnline(fn func()) {
	fn()
}
