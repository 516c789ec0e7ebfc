// Package triage classifies unprocessed Gmail messages with a language
// model and applies the resulting label changes.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/wesm/mailtriage/internal/gmail"
)

// Mailbox is the part of the Gmail API a pass needs.
type Mailbox interface {
	gmail.LabelReader
	gmail.LabelWriter
	gmail.MessageReader
	gmail.MessageModifier
}

// Options controls one pass.
type Options struct {
	ProcessedLabel string        // marks handled messages; excluded from later passes
	ImportantLabel string        // added with STARRED to important messages
	MaxResults     int           // candidates per pass
	NewerThanDays  int           // recency window
	BodyLimit      int           // body characters sent to the classifier
	Pacing         time.Duration // minimum gap between mailbox mutations
	DryRun         bool          // classify and report, change nothing
}

// DefaultOptions returns the standard pass settings.
func DefaultOptions() Options {
	return Options{
		ProcessedLabel: "AI/Processed",
		ImportantLabel: "AI/Important",
		MaxResults:     100,
		NewerThanDays:  7,
		BodyLimit:      DefaultBodyLimit,
		Pacing:         200 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ProcessedLabel == "" {
		o.ProcessedLabel = d.ProcessedLabel
	}
	if o.ImportantLabel == "" {
		o.ImportantLabel = d.ImportantLabel
	}
	if o.MaxResults <= 0 {
		o.MaxResults = d.MaxResults
	}
	if o.NewerThanDays <= 0 {
		o.NewerThanDays = d.NewerThanDays
	}
	if o.BodyLimit <= 0 {
		o.BodyLimit = d.BodyLimit
	}
	if o.Pacing < 0 {
		o.Pacing = 0
	}
	return o
}

// Runner performs triage passes over one mailbox.
type Runner struct {
	mb       Mailbox
	gw       *Gateway
	opts     Options
	logger   *slog.Logger
	reporter Reporter
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithReporter sets where status lines go. The default discards them.
func WithReporter(rep Reporter) RunnerOption {
	return func(r *Runner) { r.reporter = rep }
}

// NewRunner creates a runner. Zero-valued options take their defaults.
func NewRunner(mb Mailbox, gw *Gateway, opts Options, ropts ...RunnerOption) *Runner {
	r := &Runner{
		mb:       mb,
		gw:       gw,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
		reporter: nopReporter{},
	}
	for _, o := range ropts {
		o(r)
	}
	return r
}

// Options returns the effective options.
func (r *Runner) Options() Options { return r.opts }

// ResolveLabels looks up the processed and important labels by exact
// name and creates the ones that are missing. In dry-run mode missing
// labels are not created and their names stand in for IDs.
func (r *Runner) ResolveLabels(ctx context.Context) (LabelSet, error) {
	existing, err := r.mb.ListLabels(ctx)
	if err != nil {
		return LabelSet{}, fmt.Errorf("list labels: %w", err)
	}
	byName := make(map[string]string, len(existing))
	for _, l := range existing {
		byName[l.Name] = l.ID
	}

	resolve := func(name string) (string, error) {
		if id, ok := byName[name]; ok {
			return id, nil
		}
		if r.opts.DryRun {
			return name, nil
		}
		l, err := r.mb.CreateLabel(ctx, name, gmail.DefaultVisibility)
		if err != nil {
			return "", fmt.Errorf("create label %q: %w", name, err)
		}
		r.logger.Info("created label", "name", name, "id", l.ID)
		byName[name] = l.ID
		return l.ID, nil
	}

	var ls LabelSet
	if ls.Processed, err = resolve(r.opts.ProcessedLabel); err != nil {
		return LabelSet{}, err
	}
	if ls.Important, err = resolve(r.opts.ImportantLabel); err != nil {
		return LabelSet{}, err
	}
	return ls, nil
}

// Query returns the search that selects unprocessed messages.
func (r *Runner) Query() string {
	return fmt.Sprintf("-label:%s -in:trash -in:spam newer_than:%dd",
		queryLabel(r.opts.ProcessedLabel), r.opts.NewerThanDays)
}

// queryLabel writes a label name the way Gmail search expects it.
func queryLabel(name string) string {
	return strings.ReplaceAll(name, " ", "-")
}

// Candidates lists up to MaxResults message IDs matching Query.
func (r *Runner) Candidates(ctx context.Context) ([]string, error) {
	query := r.Query()
	var ids []string
	pageToken := ""
	for len(ids) < r.opts.MaxResults {
		resp, err := r.mb.ListMessages(ctx, query, pageToken, r.opts.MaxResults-len(ids))
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			if len(ids) == r.opts.MaxResults {
				break
			}
			ids = append(ids, m.ID)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

// Run performs one pass. Failures on single messages are reported and
// counted; the pass continues. Errors resolving labels or listing
// candidates abort the pass. Cancellation is checked between messages.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	labels, err := r.ResolveLabels(ctx)
	if err != nil {
		return stats, err
	}
	ids, err := r.Candidates(ctx)
	if err != nil {
		return stats, err
	}
	if len(ids) == 0 {
		r.logger.Info("no candidates", "query", r.Query())
		r.reporter.NoWork()
		return stats, nil
	}

	r.reporter.Start(len(ids))
	r.logger.Info("pass started", "candidates", len(ids), "dry_run", r.opts.DryRun)

	pace := rate.NewLimiter(rate.Inf, 1)
	if r.opts.Pacing > 0 {
		pace = rate.NewLimiter(rate.Every(r.opts.Pacing), 1)
	}

	start := time.Now()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			r.logger.Info("pass cancelled", "remaining", len(ids)-stats.Processed()-stats.Errors)
			r.reporter.Summary(stats)
			return stats, err
		}

		out, err := r.process(ctx, id, labels, pace)
		if err != nil {
			if ctx.Err() != nil {
				r.reporter.Summary(stats)
				return stats, ctx.Err()
			}
			stats.Errors++
			r.logger.Error("message failed", "id", id, "error", err.Error())
			r.logger.Debug("message failure detail", "id", id, "trace", eris.ToString(err, true))
			r.reporter.Failure(id, err)
			continue
		}

		stats.add(out.Bucket)
		r.logger.Debug("message handled",
			"id", id,
			"bucket", out.Bucket,
			"confidence", out.Confidence,
			"fallback", out.Fallback,
			"add", out.Mutation.Add,
			"remove", out.Mutation.Remove)
		r.reporter.Result(out)
	}

	r.logger.Info("pass finished",
		"spam", stats.Spam,
		"important", stats.Important,
		"archived", stats.Archived,
		"kept", stats.Kept,
		"errors", stats.Errors,
		"elapsed", time.Since(start).Round(time.Millisecond))
	r.reporter.Summary(stats)
	return stats, nil
}

// process handles one message. Errors are tagged with the failing stage.
func (r *Runner) process(ctx context.Context, id string, labels LabelSet, pace *rate.Limiter) (Outcome, error) {
	msg, err := r.mb.GetMessage(ctx, id)
	if err != nil {
		return Outcome{}, eris.Wrap(err, "fetch")
	}

	res, err := r.gw.Classify(ctx, Normalize(msg, r.opts.BodyLimit))
	if err != nil {
		return Outcome{}, eris.Wrap(err, "classify")
	}

	mut, bucket := Map(res.Decision, labels)
	out := Outcome{
		ID:         id,
		Bucket:     bucket,
		Confidence: res.Decision.Confidence,
		Reason:     res.Decision.Reason,
		Fallback:   res.Fallback,
		Mutation:   mut,
		DryRun:     r.opts.DryRun,
	}
	if r.opts.DryRun {
		return out, nil
	}

	if err := pace.Wait(ctx); err != nil {
		return Outcome{}, eris.Wrap(err, "pacing")
	}
	if err := r.mb.ModifyMessage(ctx, id, mut.Add, mut.Remove); err != nil {
		return Outcome{}, eris.Wrap(err, "modify")
	}
	return out, nil
}
