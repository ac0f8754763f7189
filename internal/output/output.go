package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	case "text", "table", "":
		return FormatTable
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format Format
	writer io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatJSON:
		return p.printJSON(data)
	case FormatYAML:
		return p.printYAML(data)
	default:
		// Table and Wide are handled by specific methods
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset     = "\033[0m"
	Bold      = "\033[1m"
	Red       = "\033[31m"
	Green     = "\033[32m"
	Yellow    = "\033[33m"
	Blue      = "\033[34m"
	Magenta   = "\033[35m"
	Cyan      = "\033[36m"
	Gray      = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// IterationRow represents one iteration in a session's table output.
type IterationRow struct {
	Index   int    `json:"index" yaml:"index"`
	SHA     string `json:"sha" yaml:"sha"`
	Message string `json:"message" yaml:"message"`
	Verdict string `json:"verdict" yaml:"verdict"`
	Started string `json:"started" yaml:"started"`
	Ended   string `json:"ended,omitempty" yaml:"ended,omitempty"`
}

// PrintIterations prints the iteration list for a session.
func (p *Printer) PrintIterations(rows []IterationRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No iterations recorded")
		return nil
	}

	w := p.TableWriter()

	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "INDEX\tSHA\tVERDICT\tMESSAGE\tSTARTED\tENDED"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "INDEX\tSHA\tVERDICT\tSTARTED"))
	}

	for _, row := range rows {
		color := Gray
		switch row.Verdict {
		case "good":
			color = Green
		case "bad":
			color = Red
		case "skip":
			color = Yellow
		case "pending":
			color = Magenta
		}
		if p.format == FormatWide {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				row.Index, row.SHA, p.Colorize(color, row.Verdict), row.Message, row.Started, row.Ended)
		} else {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				row.Index, row.SHA, p.Colorize(color, row.Verdict), row.Started)
		}
	}

	return w.Flush()
}

// SessionSummaryView is the report-facing projection of a session and its
// iterations, independent of the Store's internal row representation.
type SessionSummaryView struct {
	SessionID    string         `json:"session_id" yaml:"session_id"`
	GoodRef      string         `json:"good_ref" yaml:"good_ref"`
	BadRef       string         `json:"bad_ref" yaml:"bad_ref"`
	Status       string         `json:"status" yaml:"status"`
	FirstBad     string         `json:"first_bad,omitempty" yaml:"first_bad,omitempty"`
	Created      string         `json:"created" yaml:"created"`
	Ended        string         `json:"ended,omitempty" yaml:"ended,omitempty"`
	Iterations   []IterationRow `json:"iterations" yaml:"iterations"`
	HaltedHosts  []string       `json:"halted_hosts,omitempty" yaml:"halted_hosts,omitempty"`
}

// PrintSessionSummary prints a full session report.
func (p *Printer) PrintSessionSummary(s SessionSummaryView) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(s)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Session:"), p.Colorize(Cyan, s.SessionID))
	fmt.Fprintf(p.writer, "  %s %s -> %s\n", p.Colorize(Gray, "Range:"), s.GoodRef, s.BadRef)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Status:"), s.Status)
	if s.FirstBad != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "First bad:"), p.Colorize(Red, s.FirstBad))
	}
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Created:"), s.Created)
	if s.Ended != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Ended:"), s.Ended)
	}
	if len(s.HaltedHosts) > 0 {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Yellow, "Halted hosts:"), strings.Join(s.HaltedHosts, ", "))
	}
	fmt.Fprintln(p.writer)
	return p.PrintIterations(s.Iterations)
}

// HaltReport carries the structured message printed when a session halts,
// per spec: session id, last iteration and candidate, unreachable hosts,
// failed power back ends, and the exact resume steps.
type HaltReport struct {
	SessionID       string   `json:"session_id" yaml:"session_id"`
	IterationIndex  int      `json:"iteration_index" yaml:"iteration_index"`
	CandidateSHA    string   `json:"candidate_sha" yaml:"candidate_sha"`
	UnreachableHosts []string `json:"unreachable_hosts" yaml:"unreachable_hosts"`
	FailedBackends   []string `json:"failed_backends,omitempty" yaml:"failed_backends,omitempty"`
	ResumeSteps      []string `json:"resume_steps" yaml:"resume_steps"`
}

// PrintHaltReport prints the structured halt message required by §7.
func (p *Printer) PrintHaltReport(r HaltReport) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(r)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Red, "Session halted:"), r.SessionID)
	fmt.Fprintf(p.writer, "  %s %d (%s)\n", p.Colorize(Gray, "Last iteration:"), r.IterationIndex, r.CandidateSHA)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Yellow, "Unreachable hosts:"), strings.Join(r.UnreachableHosts, ", "))
	if len(r.FailedBackends) > 0 {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Yellow, "Failed power backends:"), strings.Join(r.FailedBackends, ", "))
	}
	fmt.Fprintf(p.writer, "  %s\n", p.Colorize(Bold, "Resume steps:"))
	for i, step := range r.ResumeSteps {
		fmt.Fprintf(p.writer, "    %d. %s\n", i+1, step)
	}
	return nil
}

// LogEntry represents one line of streamed build or console output.
type LogEntry struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	HostID    string `json:"host_id" yaml:"host_id"`
	Kind      string `json:"kind" yaml:"kind"` // build | console
	Message   string `json:"message" yaml:"message"`
}

// PrintLogEntry prints a single log entry.
func (p *Printer) PrintLogEntry(entry LogEntry) error {
	if p.format == FormatJSON {
		return p.printJSON(entry)
	}

	kindColor := Gray
	switch entry.Kind {
	case "build":
		kindColor = Blue
	case "console":
		kindColor = Cyan
	}

	fmt.Fprintf(p.writer, "%s %s %s\n",
		p.Colorize(Gray, entry.Timestamp),
		p.Colorize(kindColor, "["+entry.HostID+":"+entry.Kind+"]"),
		entry.Message,
	)

	return nil
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
