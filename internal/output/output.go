// Package output provides styled terminal output helpers (success, error,
// warning, record and peer formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/medsync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	roleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))

	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))

	stateStyles = map[models.RecordState]lipgloss.Style{
		models.StateNew:                          pendingStyle,
		models.StatePendingSend:                  pendingStyle,
		models.StateSent:                         pendingStyle,
		models.StateSentAgain:                    warningStyle,
		models.StateSendFailed:                   warningStyle,
		models.StateFailed:                       warningStyle,
		models.StateFailedAndStopped:             errorStyle,
		models.StateRejected:                     errorStyle,
		models.StateCommitted:                    successStyle,
		models.StateAlreadyCommitted:             successStyle,
		models.StateCommittedAndConfirmationSent: successStyle,
		models.StateNotSupposedToSync:            mutedStyle,
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// stateSymbols pairs each delivery state with a one-glyph summary.
var stateSymbols = map[models.RecordState]string{
	models.StateNew:                          "○",
	models.StatePendingSend:                  "◌",
	models.StateSent:                         "▶",
	models.StateSentAgain:                    "↻",
	models.StateSendFailed:                   "!",
	models.StateFailed:                       "!",
	models.StateFailedAndStopped:             "✗",
	models.StateRejected:                     "⊘",
	models.StateCommitted:                    "✓",
	models.StateAlreadyCommitted:             "✓",
	models.StateCommittedAndConfirmationSent: "✓",
	models.StateNotSupposedToSync:            "–",
}

// FormatState formats a delivery state with color
func FormatState(s models.RecordState) string {
	style, ok := stateStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// StateBadge returns a state indicator with symbol, e.g. "✓ committed".
func StateBadge(s models.RecordState) string {
	symbol, ok := stateSymbols[s]
	if !ok {
		symbol = "?"
	}
	text := fmt.Sprintf("%s %s", symbol, s)
	if style, ok := stateStyles[s]; ok {
		return style.Render(text)
	}
	return text
}

// FormatTransmissionState colors an exchange outcome.
func FormatTransmissionState(s models.TransmissionState) string {
	switch s {
	case "":
		return subtleStyle.Render("never")
	case models.TransmissionOK, models.TransmissionNothingToDo:
		return successStyle.Render(string(s))
	case models.TransmissionPending:
		return pendingStyle.Render(string(s))
	case models.TransmissionFailedRecords, models.TransmissionCannotRunParallel:
		return warningStyle.Render(string(s))
	default:
		return errorStyle.Render(string(s))
	}
}

// ShortID shortens a UUID to its first 8 characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatRecordShort formats a change record on one line.
func FormatRecordShort(rec *models.ChangeRecord) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("#%d", rec.Seq)),
		ShortID(rec.ID),
		subtleStyle.Render(rec.Timestamp.UTC().Format(time.RFC3339)),
		strings.Join(rec.Classes, ","),
		fmt.Sprintf("%d item(s)", len(rec.Items)),
		StateBadge(rec.State),
	}
	if rec.RetryCount > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("retries=%d", rec.RetryCount)))
	}
	return strings.Join(parts, "  ")
}

// FormatPeerLine formats a peer with its last exchange.
func FormatPeerLine(p *models.Peer) string {
	parts := []string{
		titleStyle.Render(p.Nickname),
		roleStyle.Render(fmt.Sprintf("[%s]", p.Role)),
		subtleStyle.Render(ShortID(p.ID)),
	}
	if p.Address != "" {
		parts = append(parts, p.Address)
	} else {
		parts = append(parts, subtleStyle.Render("file channel"))
	}
	last := "never"
	if p.LastSyncAt != nil {
		last = FormatTimeAgo(*p.LastSyncAt)
	}
	parts = append(parts, fmt.Sprintf("last sync %s %s", last, FormatTransmissionState(p.LastSyncState)))
	if p.Disabled {
		parts = append(parts, errorStyle.Render("[disabled]"))
	}
	return strings.Join(parts, "  ")
}

// FormatCounts renders state counts in a stable order, skipping zeros.
func FormatCounts(c models.StateCounts) string {
	var parts []string
	for _, s := range models.AllStates {
		if n := c[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", StateBadge(s), n))
		}
	}
	if len(parts) == 0 {
		return subtleStyle.Render("none")
	}
	return strings.Join(parts, "  ")
}

// FormatTimeAgo formats a time as a human-readable relative string
// ("3 minutes ago"). Times older than a week show as a date.
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < time.Minute && diff > -time.Minute:
		return "just now"
	case diff < 7*24*time.Hour:
		return humanize.Time(t)
	default:
		return t.Format("2006-01-02")
	}
}

// FormatBytes formats a payload size ("12 kB").
func FormatBytes(n int) string {
	return humanize.Bytes(uint64(n))
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nSERVER RECORDS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
