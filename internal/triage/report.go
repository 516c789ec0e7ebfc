package triage

import (
	"fmt"
	"io"
	"strings"

	"github.com/wesm/mailtriage/internal/textutil"
)

// Stats counts the outcomes of one pass.
type Stats struct {
	Spam      int
	Important int
	Archived  int
	Kept      int
	Errors    int
}

// Processed returns the number of messages that were handled successfully.
func (s Stats) Processed() int {
	return s.Spam + s.Important + s.Archived + s.Kept
}

func (s *Stats) add(b Bucket) {
	switch b {
	case BucketSpam:
		s.Spam++
	case BucketImportant:
		s.Important++
	case BucketArchived:
		s.Archived++
	default:
		s.Kept++
	}
}

// Outcome describes one successfully handled message.
type Outcome struct {
	ID         string
	Bucket     Bucket
	Confidence float64
	Reason     string
	Fallback   bool
	Mutation   Mutation
	DryRun     bool
}

// Reporter receives the human-readable progress of a pass.
type Reporter interface {
	NoWork()
	Start(total int)
	Result(o Outcome)
	Failure(id string, err error)
	Summary(s Stats)
}

// Style decorates report text. The zero value leaves text unchanged.
type Style struct {
	Bucket  func(b Bucket, s string) string
	Error   func(s string) string
	Heading func(s string) string
}

func (st Style) bucket(b Bucket, s string) string {
	if st.Bucket == nil {
		return s
	}
	return st.Bucket(b, s)
}

func (st Style) errorText(s string) string {
	if st.Error == nil {
		return s
	}
	return st.Error(s)
}

func (st Style) heading(s string) string {
	if st.Heading == nil {
		return s
	}
	return st.Heading(s)
}

// TextReporter writes one status line per event.
type TextReporter struct {
	w     io.Writer
	style Style
}

// NewTextReporter creates a reporter writing to w.
func NewTextReporter(w io.Writer, style Style) *TextReporter {
	return &TextReporter{w: w, style: style}
}

func (r *TextReporter) NoWork() {
	fmt.Fprintln(r.w, "No new messages to process.")
}

func (r *TextReporter) Start(total int) {
	fmt.Fprintf(r.w, "Processing %d emails...\n", total)
}

func (r *TextReporter) Result(o Outcome) {
	status := r.style.bucket(o.Bucket, strings.ToUpper(string(o.Bucket)))
	prefix := "OK"
	if o.DryRun {
		prefix = "DRY"
	}
	fmt.Fprintf(r.w, "%s %s -> %s (confidence: %.1f) - %s\n", prefix, o.ID, status, o.Confidence, textutil.FirstLine(o.Reason))
}

func (r *TextReporter) Failure(id string, err error) {
	fmt.Fprintf(r.w, "%s %s: %v\n", r.style.errorText("ERR"), id, err)
}

func (r *TextReporter) Summary(s Stats) {
	fmt.Fprintf(r.w, "\n%s\n", r.style.heading("=== Summary ==="))
	fmt.Fprintf(r.w, "Spam: %d, Important: %d, Archived: %d, Kept in inbox: %d",
		s.Spam, s.Important, s.Archived, s.Kept)
	if s.Errors > 0 {
		fmt.Fprintf(r.w, ", Errors: %d", s.Errors)
	}
	fmt.Fprintln(r.w)
}

type nopReporter struct{}

func (nopReporter) NoWork() {}
func (nopReporter) Start(int) {}
func (nopReporter) Result(Outcome) {}
func (nopReporter) Failure(string, error) {}
func (nopReporter) Summary(Stats) {}
