package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/swarmd/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/tracker"

const defaultRatePerMinute = 30

// GitHubConfig holds the settings for the GitHub issue notifier.
type GitHubConfig struct {
	Token config.Secret
	Owner string
	Repo  string

	// ProgressIssue is the issue number receiving milestone comments.
	ProgressIssue int

	// RatePerMinute bounds outbound API calls. Zero means the default.
	RatePerMinute int
}

// GitHubNotifier posts milestone crossings as comments on a progress
// issue, and labels the issue when a node reaches 100%.
type GitHubNotifier struct {
	config *GitHubConfig
	client *github.Client
	logger *zap.Logger

	limiter *rate.Limiter

	tracer trace.Tracer
	meter  metric.Meter

	notifiedTotal metric.Int64Counter
	notifyErrors  metric.Int64Counter
}

// NewGitHubNotifier creates a notifier authenticated with the configured
// token. The token, owner, repo, and progress issue are all required.
func NewGitHubNotifier(ctx context.Context, cfg *GitHubConfig, logger *zap.Logger) (*GitHubNotifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("github config is required")
	}
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("github token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if cfg.ProgressIssue <= 0 {
		return nil, fmt.Errorf("github progress issue number is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return newGitHubNotifier(cfg, github.NewClient(tc), logger), nil
}

// newGitHubNotifier wires a notifier around an existing client. Tests use
// it to point the client at a stub server.
func newGitHubNotifier(cfg *GitHubConfig, client *github.Client, logger *zap.Logger) *GitHubNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}

	n := &GitHubNotifier{
		config:  cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 5),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	n.initMetrics()

	return n
}

func (n *GitHubNotifier) initMetrics() {
	var err error

	n.notifiedTotal, err = n.meter.Int64Counter(
		"swarmd.tracker.notifications_total",
		metric.WithDescription("Total progress notifications delivered to GitHub"),
	)
	if err != nil {
		n.logger.Warn("failed to create notification counter", zap.Error(err))
	}

	n.notifyErrors, err = n.meter.Int64Counter(
		"swarmd.tracker.notification_errors_total",
		metric.WithDescription("Total failed GitHub notifications"),
	)
	if err != nil {
		n.logger.Warn("failed to create notification error counter", zap.Error(err))
	}
}

// NotifyProgress implements Notifier. It posts one comment per update
// and adds a completion label when a node crosses 100%.
func (n *GitHubNotifier) NotifyProgress(ctx context.Context, update ProgressUpdate) error {
	ctx, span := n.tracer.Start(ctx, "tracker.notify_progress",
		trace.WithAttributes(
			attribute.String("node", update.NodeID),
			attribute.String("level", update.Level),
			attribute.Int("pct", update.Percentage),
		))
	defer span.End()

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	body := buildCommentBody(update)
	_, _, err := n.client.Issues.CreateComment(ctx, n.config.Owner, n.config.Repo, n.config.ProgressIssue,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		span.SetStatus(codes.Error, "create comment failed")
		span.RecordError(err)
		if n.notifyErrors != nil {
			n.notifyErrors.Add(ctx, 1)
		}
		return fmt.Errorf("create progress comment: %w", err)
	}

	if update.Milestone == 100 {
		label := fmt.Sprintf("%s-complete", update.Level)
		_, _, err := n.client.Issues.AddLabelsToIssue(ctx, n.config.Owner, n.config.Repo, n.config.ProgressIssue,
			[]string{label})
		if err != nil {
			// The comment landed; a missing label is not worth failing over.
			n.logger.Warn("failed to add completion label",
				zap.String("label", label),
				zap.Error(err))
		}
	}

	if n.notifiedTotal != nil {
		n.notifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("level", update.Level)))
	}

	n.logger.Debug("posted progress comment",
		zap.String("node", update.NodeID),
		zap.Int("pct", update.Percentage),
		zap.Int("milestone", update.Milestone))

	return nil
}

// buildCommentBody renders one update as a Markdown comment.
func buildCommentBody(update ProgressUpdate) string {
	var b strings.Builder

	if update.Milestone > 0 {
		fmt.Fprintf(&b, "### :dart: %d%% milestone\n\n", update.Milestone)
	}
	fmt.Fprintf(&b, "**%s** `%s` is at **%d%%**", update.Level, update.NodeID, update.Percentage)
	if update.Title != "" {
		fmt.Fprintf(&b, ": %s", update.Title)
	}
	b.WriteString("\n")
	if update.Summary != "" {
		fmt.Fprintf(&b, "\n> %s\n", update.Summary)
	}

	return b.String()
}

var _ Notifier = (*GitHubNotifier)(nil)
