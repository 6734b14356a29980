package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/swarm/internal/models"
	"github.com/mattn/go-isatty"
)

// colorOut is false when stdout is piped, so scripts get plain text.
var colorOut = isatty.IsTerminal(os.Stdout.Fd())

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	stateColors = map[models.State]lipgloss.Color{
		models.StateDraft:          "245",
		models.StateReady:          "39",
		models.StateBlocked:        "244",
		models.StateAssigned:       "75",
		models.StateInProgress:     "33",
		models.StateInReview:       "141",
		models.StateSentinelFailed: "208",
		models.StatePendingRetry:   "214",
		models.StateOnHold:         "220",
		models.StateDone:           "42",
		models.StateFailed:         "196",
		models.StateCancelled:      "160",
	}
)

func paint(style lipgloss.Style, s string) string {
	if !colorOut {
		return s
	}
	return style.Render(s)
}

// stateCell renders a state padded to a fixed width, so tabular output
// stays aligned when colored.
func stateCell(s models.State) string {
	padded := fmt.Sprintf("%-15s", s)
	return paint(lipgloss.NewStyle().Foreground(stateColors[s]), padded)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(label string, value any) {
	fmt.Printf("%s %v\n", paint(labelStyle, fmt.Sprintf("%-13s", label+":")), value)
}

func printTickets(tickets []models.Ticket) {
	if len(tickets) == 0 {
		fmt.Println("No tickets found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, paint(headerStyle, "ID\tPRI\tSTATE          \tCLASS\tPROJECT\tRETRIES\tTITLE"))
	for _, t := range tickets {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Priority, stateCell(t.State), t.WorkerClass, t.ProjectID, t.RetryCount, truncate(t.Title, 40))
	}
	w.Flush()
}

func printTicket(t *models.Ticket, outstanding []string, attempts []models.Attempt) {
	fmt.Println(paint(headerStyle, t.Title))
	field("ID", t.ID)
	field("State", stateCell(t.State))
	field("Class", t.WorkerClass)
	field("Project", t.ProjectID)
	field("Priority", t.Priority)
	field("Retries", t.RetryCount)
	field("Trace", t.TraceID)
	if t.Description != "" {
		field("Description", t.Description)
	}
	if len(t.DependsOn) > 0 {
		field("Depends on", strings.Join(t.DependsOn, ", "))
	}
	if len(outstanding) > 0 {
		field("Outstanding", strings.Join(outstanding, ", "))
	}
	if t.Owner != nil {
		field("Owner", fmt.Sprintf("%s (lease %s, expires %s)",
			t.Owner.AssigneeID, t.Owner.LeaseID, t.Owner.ExpiresAt.Local().Format(time.RFC3339)))
	}
	if t.RetryAfter != nil {
		field("Retry after", t.RetryAfter.Local().Format(time.RFC3339))
	}
	if t.HoldReason != "" {
		field("Hold reason", t.HoldReason)
	}
	field("Created", t.CreatedAt.Local().Format(time.RFC3339))
	field("Updated", t.UpdatedAt.Local().Format(time.RFC3339))

	if len(t.Feedback) > 0 {
		fmt.Println()
		fmt.Println(paint(sectionStyle, "Feedback"))
		for _, f := range t.Feedback {
			loc := ""
			if f.File != "" {
				loc = f.File + ": "
			}
			fmt.Printf("  [%s] %s%s\n", f.Severity, loc, f.Message)
		}
	}
	if len(attempts) > 0 {
		fmt.Println()
		fmt.Println(paint(sectionStyle, "Attempts"))
		for _, a := range attempts {
			ended := "running"
			if !a.EndedAt.IsZero() {
				ended = fmt.Sprintf("%s after %s", a.Outcome, a.EndedAt.Sub(a.StartedAt).Round(time.Millisecond))
			}
			fmt.Printf("  %s  %-20s %s\n", a.StartedAt.Local().Format(time.RFC3339), a.AssigneeID, ended)
		}
	}
}

func printEvents(events []models.Event) {
	if len(events) == 0 {
		fmt.Println("No events found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, paint(headerStyle, "SEQ\tTIME\tTICKET\tKIND\tFROM\tTO\tACTOR\tREASON"))
	for _, ev := range events {
		from := string(ev.FromState)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Seq, ev.Timestamp.Local().Format("15:04:05.000"), truncateID(ev.TicketID), ev.Kind,
			from, ev.ToState, ev.Actor, truncate(ev.Reason, 50))
	}
	w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
