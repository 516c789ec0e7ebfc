package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/mailtriage/internal/mime"
	"github.com/wesm/mailtriage/internal/triage"
)

var classifyJSON bool

var classifyCmd = &cobra.Command{
	Use:   "classify <file.eml>",
	Short: "Classify a local RFC 822 message without touching Gmail",
	Long: `Normalize and classify a saved message file, then print the decision
and the label changes a pass would apply. Use "-" to read from stdin.

Label names are shown instead of Gmail label IDs. Useful for tuning the
model or checking a provider before pointing the worker at a mailbox.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readMessageFile(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		msg, err := mime.FromRFC822(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		in := triage.Normalize(msg, cfg.Triage.BodyCharLimit)

		gw, err := newGateway(cfg)
		if err != nil {
			return err
		}
		res, err := gw.Classify(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}

		labels := triage.LabelSet{Processed: cfg.Triage.ProcessedLabel, Important: cfg.Triage.ImportantLabel}
		mut, bucket := triage.Map(res.Decision, labels)
		report := classifyReport{
			Input:    in,
			Decision: res.Decision,
			Fallback: res.Fallback,
			Bucket:   bucket,
			Add:      mut.Add,
			Remove:   mut.Remove,
		}
		if res.Problem != nil {
			report.Problem = res.Problem.Error()
		}

		out := cmd.OutOrStdout()
		if classifyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		report.print(out, reporterStyle(out))
		return nil
	},
}

type classifyReport struct {
	Input    triage.Input    `json:"input"`
	Decision triage.Decision `json:"decision"`
	Fallback bool            `json:"fallback"`
	Problem  string          `json:"problem,omitempty"`
	Bucket   triage.Bucket   `json:"bucket"`
	Add      []string        `json:"add"`
	Remove   []string        `json:"remove"`
}

func (r classifyReport) print(w io.Writer, style triage.Style) {
	status := strings.ToUpper(string(r.Bucket))
	if style.Bucket != nil {
		status = style.Bucket(r.Bucket, status)
	}
	fmt.Fprintf(w, "Subject: %s\n", r.Input.Subject)
	fmt.Fprintf(w, "From:    %s\n", r.Input.From)
	fmt.Fprintf(w, "Result:  %s (confidence: %.1f) - %s\n", status, r.Decision.Confidence, r.Decision.Reason)
	if r.Fallback {
		fmt.Fprintf(w, "Fallback: %s\n", r.Problem)
	}
	fmt.Fprintf(w, "Add:     %s\n", joinOrNone(r.Add))
	fmt.Fprintf(w, "Remove:  %s\n", joinOrNone(r.Remove))
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

func readMessageFile(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(classifyCmd)
}
