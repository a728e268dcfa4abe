// Package output provides functions to print messages with optional color formatting
package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
)

const (
	Plain   = color.FgWhite
	Success = color.FgGreen
	Warning = color.FgYellow
	Error   = color.FgRed
	Info    = color.FgCyan
)

const timeFormat = "2006-01-02 15:04:05"

var maybeColorize func(kind color.Attribute, tmpl string, a ...any) string

// InitColors sets up color functions based on environment
func InitColors(isColorDisabled bool) {
	if color.NoColor || isColorDisabled {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return fmt.Sprintf(tmpl, a...)
		}
	} else {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return color.New(kind).SprintfFunc()(tmpl, a...)
		}
	}
}

// PrintMessage formats a message with color (if enabled)
func PrintMessage(kind color.Attribute, tmpl string, a ...any) string {
	if maybeColorize == nil || kind == Plain {
		return fmt.Sprintf(tmpl+"\n", a...)
	}
	return fmt.Sprintln(maybeColorize(kind, tmpl, a...))
}

func PrintTable(header []string, data [][]string) (string, error) {
	buf := strings.Builder{}

	table := tablewriter.NewTable(
		&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
		}))

	if len(header) > 0 {
		table.Header(header)
	}

	if err := table.Bulk(data); err != nil {
		return "", fmt.Errorf("bulk adding data to table: %w", err)
	}

	if err := table.Render(); err != nil {
		return "", fmt.Errorf("rendering table: %w", err)
	}

	return buf.String(), nil
}

// PrintEvent renders a lifecycle event as one terminal line
func PrintEvent(event deployment.Event) string {
	msg := deployment.FormatMessage(event)
	text := msg.Text
	for _, a := range msg.Attachments {
		if a.Title != "" {
			text += "\n  " + a.Title + ":"
		}
		for _, line := range strings.Split(a.Text, "\n") {
			text += "\n    " + line
		}
	}

	switch event.Kind {
	case deployment.EventProvisionSucceeded, deployment.EventChecksPassed:
		return PrintMessage(Success, "%s", text)
	case deployment.EventChecksPending, deployment.EventAborted:
		return PrintMessage(Warning, "%s", text)
	case deployment.EventChecksFailed, deployment.EventCheckError,
		deployment.EventSyncFailed, deployment.EventProvisionFailed:
		return PrintMessage(Error, "%s", text)
	case deployment.EventProgress:
		return PrintMessage(Info, "%s", text)
	default:
		return PrintMessage(Plain, "%s", text)
	}
}

// PrintRound renders one check round as a table of non-passing checks
func PrintRound(round domain.Round) (string, error) {
	summary := fmt.Sprintf("%d passed, %d pending, %d failed", round.Passed, len(round.Pending), len(round.Failed))

	var data [][]string
	for _, c := range round.Failed {
		data = append(data, []string{c.Repository, c.CheckName, maybeColor(Error, "failed"), c.URL})
	}
	for _, c := range round.Pending {
		data = append(data, []string{c.Repository, c.CheckName, maybeColor(Warning, "pending"), c.URL})
	}

	kind := Success
	switch {
	case round.HasFailed():
		kind = Error
	case round.HasPending():
		kind = Warning
	}

	if len(data) == 0 {
		return PrintMessage(kind, "%s", summary), nil
	}

	table, err := PrintTable([]string{"Repository", "Check", "Status", "URL"}, data)
	if err != nil {
		return "", fmt.Errorf("printing check table: %w", err)
	}
	return table + PrintMessage(kind, "%s", summary), nil
}

// PrintHistory renders recorded deployments as a table
func PrintHistory(entries []*domain.HistoryEntry) (string, error) {
	if len(entries) == 0 {
		return PrintMessage(Plain, "No deployments recorded."), nil
	}

	header := []string{"ID", "Target", "Tag", "Requester", "State", "Duration", "Finished At"}
	var data [][]string
	for _, e := range entries {
		data = append(data, []string{
			e.ID.String()[:8],
			e.Target,
			e.Tag.String(),
			requesterLabel(e),
			stateLabel(e.State),
			e.Duration().Round(time.Second).String(),
			e.FinishedAt.Local().Format(timeFormat),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing history table: %w", err)
	}
	return table, nil
}

// PrintSnapshot renders the details of a deployment
func PrintSnapshot(s deployment.Snapshot) (string, error) {
	data := [][]string{
		{"ID", s.ID.String()},
		{"Target", s.Target},
		{"Tag", s.Tag.String()},
		{"Requester", s.Requester},
		{"State", stateLabel(s.State)},
		{"Elapsed", strconv.Itoa(s.Elapsed) + "s"},
	}
	if s.Args != "" {
		data = append(data, []string{"Args", s.Args})
	}
	if s.Commit != "" {
		data = append(data, []string{"Commit", s.Commit})
	}
	if s.CancelledBy != "" {
		data = append(data, []string{"Cancelled By", s.CancelledBy})
	}
	if s.Error != "" {
		data = append(data, []string{"Error", s.Error})
	}

	table, err := PrintTable([]string{}, data)
	if err != nil {
		return "", fmt.Errorf("printing deployment details table: %w", err)
	}
	return table, nil
}

func requesterLabel(e *domain.HistoryEntry) string {
	if e.Forced {
		return e.Requester + " (forced)"
	}
	return e.Requester
}

func stateLabel(s domain.State) string {
	switch s {
	case domain.StateDone:
		return maybeColor(Success, s.String())
	case domain.StateError:
		return maybeColor(Error, s.String())
	case domain.StateAborted:
		return maybeColor(Warning, s.String())
	default:
		return s.String()
	}
}

func maybeColor(kind color.Attribute, s string) string {
	if maybeColorize == nil {
		return s
	}
	return maybeColorize(kind, "%s", s)
}

// CLI flag for disabling color output

// NoColor is a flag that can be used to disable colored output in the CLI.
var NoColor = &noColorFlag{set: false}

type noColorFlag struct {
	set bool
}

func (f *noColorFlag) Set(value string) error {
	// boolean flag, the value is ignored
	f.set = true
	return nil
}

func (f *noColorFlag) String() string {
	if f.set {
		return "true"
	}
	return "false"
}

func (f *noColorFlag) Type() string {
	return "bool"
}

// IsSet returns true if the --no-color flag was explicitly set
func (f *noColorFlag) IsSet() bool {
	return f.set
}

// IsBoolFlag tells pflag this is a boolean flag (no argument required)
func (f *noColorFlag) IsBoolFlag() bool {
	return true
}
