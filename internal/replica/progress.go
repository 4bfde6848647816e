package replica

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/pagemark-labs/pagemark/internal/protocol"
	"go.uber.org/zap"
)

// Positions closer than this are considered already converged.
const progressEpsilon = 0.001

var (
	errMissingDocument  = errors.New("document digest is required")
	errMissingTransport = errors.New("transport is required")
	errMissingStore     = errors.New("annotation store is required")
	errMissingSettings  = errors.New("settings store is required")
)

// ProgressSyncerConfig describes the collaborators for reading-position
// exchange. Document is the externally computed digest identifying the
// open document; DeviceName is the human-readable device model reported
// alongside uploads.
type ProgressSyncerConfig struct {
	Document   string
	DeviceName string
	Transport  Transport
	Store      AnnotationStore
	Settings   SettingsStore
	Notifier   Notifier
	Logger     *zap.Logger
}

// ProgressSyncer performs one-shot reading-position exchanges with the
// remote store. It is the simpler sibling of the annotation scheduler and
// shares its collaborators.
type ProgressSyncer struct {
	document   string
	deviceName string
	transport  Transport
	store      AnnotationStore
	settings   SettingsStore
	notifier   Notifier
	logger     *zap.Logger
}

// NewProgressSyncer validates the configuration and constructs the syncer.
func NewProgressSyncer(cfg ProgressSyncerConfig) (*ProgressSyncer, error) {
	if cfg.Document == "" {
		return nil, fmt.Errorf("replica: %w", errMissingDocument)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("replica: %w", errMissingTransport)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("replica: %w", errMissingStore)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("replica: %w", errMissingSettings)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProgressSyncer{
		document:   cfg.Document,
		deviceName: cfg.DeviceName,
		transport:  cfg.Transport,
		store:      cfg.Store,
		settings:   cfg.Settings,
		notifier:   notifier,
		logger:     logger,
	}, nil
}

// Push uploads the current reading position. Failures are surfaced through
// the notifier only for interactive callers; authentication failures are
// surfaced always.
func (p *ProgressSyncer) Push(ctx context.Context, interactive bool) error {
	position, percentage, err := p.store.Position(ctx, p.document)
	if err != nil {
		return p.report("progress.push", interactive, err)
	}
	if position == "" {
		if interactive {
			p.notifier.Notify("No reading position to upload yet.")
		}
		return nil
	}

	deviceID, err := p.settings.DeviceID(ctx)
	if err != nil {
		return p.report("progress.push", interactive, err)
	}

	_, err = p.transport.PutProgress(ctx, protocol.UpdateProgressRequest{
		Document:   p.document,
		Progress:   position,
		Percentage: percentage,
		Device:     p.deviceName,
		DeviceID:   deviceID,
	})
	if err != nil {
		return p.report("progress.push", interactive, err)
	}

	if interactive {
		p.notifier.Notify("Reading position uploaded.")
	}
	return nil
}

// Pull fetches the stored reading position and applies it under the
// conflict policy: self-authored or already-converged records are skipped,
// interactive pulls apply immediately, and passive pulls ask the user for
// confirmation before moving their position.
func (p *ProgressSyncer) Pull(ctx context.Context, interactive bool) error {
	record, err := p.transport.GetProgress(ctx, p.document)
	if err != nil {
		return p.report("progress.pull", interactive, err)
	}
	if record.IsZero() {
		if interactive {
			p.notifier.Notify("No reading position found on the server.")
		}
		return nil
	}

	deviceID, err := p.settings.DeviceID(ctx)
	if err != nil {
		return p.report("progress.pull", interactive, err)
	}
	if record.DeviceID != "" && record.DeviceID == deviceID {
		p.logger.Debug("remote position is self-authored",
			zap.String("document", p.document),
			zap.String("device_id", deviceID))
		return nil
	}

	_, localPercentage, err := p.store.Position(ctx, p.document)
	if err != nil {
		return p.report("progress.pull", interactive, err)
	}
	if math.Abs(localPercentage-record.Percentage) < progressEpsilon {
		return nil
	}

	if !interactive {
		prompt := fmt.Sprintf("Sync to position from %s (%.1f%%)?", record.Device, record.Percentage*100)
		accepted, err := p.notifier.Confirm(prompt)
		if err != nil {
			return p.report("progress.pull", interactive, err)
		}
		if !accepted {
			return nil
		}
	}

	if err := p.store.SetPosition(ctx, p.document, record.Progress, record.Percentage); err != nil {
		return p.report("progress.pull", interactive, err)
	}
	if interactive {
		p.notifier.Notify(fmt.Sprintf("Moved to position from %s (%.1f%%).", record.Device, record.Percentage*100))
	}
	return nil
}

func (p *ProgressSyncer) report(operation string, interactive bool, err error) error {
	p.logger.Warn("progress sync failed",
		zap.String("operation", operation),
		zap.String("document", p.document),
		zap.Error(err))
	if interactive || errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrNotAuthenticated) {
		p.notifier.Notify(fmt.Sprintf("Progress sync failed: %v", err))
	}
	return err
}
