package cmd

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/wesm/mailtriage/internal/triage"
)

// reporterStyle colours bucket names and errors when out is a terminal.
func reporterStyle(out io.Writer) triage.Style {
	if !isTerminal(out) || os.Getenv("NO_COLOR") != "" {
		return triage.Style{}
	}
	r := lipgloss.NewRenderer(out)

	buckets := map[triage.Bucket]lipgloss.Style{
		triage.BucketSpam:      r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		triage.BucketImportant: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		triage.BucketArchived:  r.NewStyle().Foreground(lipgloss.Color("8")),
		triage.BucketKept:      r.NewStyle().Foreground(lipgloss.Color("10")),
	}
	errStyle := r.NewStyle().Foreground(lipgloss.Color("9"))
	heading := r.NewStyle().Bold(true)

	return triage.Style{
		Bucket: func(b triage.Bucket, s string) string {
			if st, ok := buckets[b]; ok {
				return st.Render(s)
			}
			return s
		},
		Error:   func(s string) string { return errStyle.Render(s) },
		Heading: func(s string) string { return heading.Render(s) },
	}
}
