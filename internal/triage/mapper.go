package triage

import (
	"slices"

	"github.com/wesm/mailtriage/internal/gmail"
)

// LabelSet holds the IDs of the two labels the worker owns.
type LabelSet struct {
	Processed string
	Important string
}

// Mutation is a label change for one message. Both lists are
// deduplicated and sorted.
type Mutation struct {
	Add    []string
	Remove []string
}

// Bucket is the statistics category of a decision.
type Bucket string

const (
	BucketSpam      Bucket = "spam"
	BucketImportant Bucket = "important"
	BucketArchived  Bucket = "archived"
	BucketKept      Bucket = "kept"
)

// Map turns a decision into label changes and a bucket. The rules are
// additive; the processed label is always added.
//
// When a decision is both spam and important, the message is counted as
// spam. The policy prompt does not say which wins.
func Map(d Decision, labels LabelSet) (Mutation, Bucket) {
	var add, remove []string
	a := d.Actions

	if a.MarkSpam {
		add = append(add, gmail.LabelSpam)
		remove = append(remove, gmail.LabelInbox, gmail.LabelUnread)
	}
	if d.IsImportant && a.Star {
		add = append(add, gmail.LabelStarred)
		if labels.Important != "" {
			add = append(add, labels.Important)
		}
	}
	if a.Archive {
		remove = append(remove, gmail.LabelInbox)
	}
	if a.MarkRead {
		remove = append(remove, gmail.LabelUnread)
	}
	if labels.Processed != "" {
		add = append(add, labels.Processed)
	}

	m := Mutation{Add: dedupe(add), Remove: dedupe(remove)}

	switch {
	case a.MarkSpam:
		return m, BucketSpam
	case d.IsImportant:
		return m, BucketImportant
	case a.Archive:
		return m, BucketArchived
	default:
		return m, BucketKept
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
