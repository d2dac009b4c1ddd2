// Package tracker notifies external systems about hierarchy progress.
//
// The aggregator hands every milestone crossing to a Notifier. Notifiers
// are best-effort collaborators: a failed notification is logged and
// dropped, never retried by the core and never able to roll back the
// state change that produced it.
package tracker

import (
	"context"

	"go.uber.org/zap"
)

// ProgressUpdate describes one node's progress for an external system.
type ProgressUpdate struct {
	NodeID     string
	Level      string
	Percentage int
	// Milestone is the threshold crossed by this update, zero when the
	// update is informational rather than a milestone crossing.
	Milestone int
	Title     string
	Summary   string
}

// Notifier delivers progress updates to an external system.
type Notifier interface {
	NotifyProgress(ctx context.Context, update ProgressUpdate) error
}

// NopNotifier discards all updates.
type NopNotifier struct{}

// NotifyProgress implements Notifier.
func (NopNotifier) NotifyProgress(context.Context, ProgressUpdate) error {
	return nil
}

// LogNotifier writes progress updates to the process log. It is the
// default notifier when no external tracker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger means no-op logging.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyProgress implements Notifier.
func (n *LogNotifier) NotifyProgress(_ context.Context, update ProgressUpdate) error {
	n.logger.Info("progress update",
		zap.String("node", update.NodeID),
		zap.String("level", update.Level),
		zap.Int("pct", update.Percentage),
		zap.Int("milestone", update.Milestone),
		zap.String("title", update.Title))
	return nil
}

var (
	_ Notifier = NopNotifier{}
	_ Notifier = (*LogNotifier)(nil)
)
