package publish

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
)

// SentryReporter sends instance failures to Sentry, tagged with the batch and instance id
type SentryReporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewSentryReporter creates a reporter with its own Sentry client, leaving the global hub untouched
func NewSentryReporter(options sentry.ClientOptions, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Report captures err as an exception event
func (r *SentryReporter) Report(batchID, instanceID string, err error) {
	if err == nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("batch_id", batchID)
		scope.SetTag("instance_id", instanceID)
		scope.SetTag("failure", failureKind(err))

		var malformed *sdkerrors.MalformedLauncherOutputError
		if errors.As(err, &malformed) {
			scope.SetExtra("missing_field", malformed.Field)
		}

		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("Reported instance failure",
				zap.String("instance", instanceID),
				zap.String("eventID", string(*id)))
		}
	})
}

// Flush waits for buffered events to be sent
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

func failureKind(err error) string {
	if sdkerrors.IsMalformedLauncherOutput(err) {
		return "malformed_output"
	}
	return "launch"
}
