package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/medsync/internal/models"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderMarkdown renders markdown using Glamour with terminal-aware wrapping.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown using Glamour with explicit wrapping.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minMarkdownWidth {
		width = minMarkdownWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}

	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(rendered, "\n"), nil
}

// RecordMarkdown describes a change record and its per-peer delivery as a
// markdown document. peerNames maps peer ids to nicknames; unknown ids are
// shown shortened.
func RecordMarkdown(rec *models.ChangeRecord, peerNames map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Record #%d\n\n", rec.Seq)
	fmt.Fprintf(&sb, "- **ID:** `%s`\n", rec.ID)
	if rec.OriginalID != "" && rec.OriginalID != rec.ID {
		fmt.Fprintf(&sb, "- **Original ID:** `%s`\n", rec.OriginalID)
	}
	fmt.Fprintf(&sb, "- **Timestamp:** %s\n", rec.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "- **State:** %s (retries %d)\n", rec.State, rec.RetryCount)
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&sb, "- **Last error:** %s\n", rec.ErrorMessage)
	}

	sb.WriteString("\n## Items\n\n")
	sb.WriteString("| Class | UUID | Action |\n|---|---|---|\n")
	for _, it := range rec.Items {
		fmt.Fprintf(&sb, "| %s | `%s` | %s |\n", it.Class, it.UUID, it.Action)
	}

	if len(rec.ServerRecords) > 0 {
		sb.WriteString("\n## Delivery\n\n")
		sb.WriteString("| Peer | State | Retries | Error |\n|---|---|---|---|\n")
		for _, sr := range rec.ServerRecords {
			name, ok := peerNames[sr.PeerID]
			if !ok {
				name = ShortID(sr.PeerID)
			}
			fmt.Fprintf(&sb, "| %s | %s | %d | %s |\n", name, sr.State, sr.RetryCount, sr.ErrorMessage)
		}
	}
	return sb.String()
}
