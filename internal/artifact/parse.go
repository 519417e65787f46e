package artifact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/allaspectsdev/mailcore/internal/coreerr"
)

var dueDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// validDueDateFormat reports whether s matches YYYY-MM-DD.
func validDueDateFormat(s string) bool {
	return dueDatePattern.MatchString(s)
}

// parseSummaryResponse parses the structured text response into a
// Summary. Section labels are matched case-sensitively as the prompt
// requests them verbatim; a missing "Two-line summary:" section is the
// only hard failure (the summary would otherwise be empty).
func parseSummaryResponse(text, fp string) (*Summary, error) {
	sections := splitSections(text, []string{"Todos:", "Two-line summary:", "Reminder due date:", "Reminder content:"})

	blurb := strings.TrimSpace(sections["Two-line summary:"])
	if blurb == "" {
		return nil, fmt.Errorf("artifact: summary response missing %q section: %w", "Two-line summary:", coreerr.ErrParse)
	}

	summary := &Summary{
		Blurb: blurb,
		Todos: bulletizeTodos(sections["Todos:"]),
		ID:    fp,
	}

	reminderContent := strings.TrimSpace(sections["Reminder content:"])
	if reminderContent != "" && !strings.EqualFold(reminderContent, "none") {
		rem := &Reminder{Content: reminderContent}

		dueDate := strings.TrimSpace(sections["Reminder due date:"])
		if dueDate != "" && !strings.EqualFold(dueDate, "none") {
			// A due date that doesn't match YYYY-MM-DD is preserved
			// verbatim (§4.5); dueDatePattern only gates the caller's
			// decision to log a format warning.
			rem.DueDate = dueDate
		}
		summary.Reminder = rem
	}

	return summary, nil
}

// parseActionResponse parses the structured text response into an
// Action's classification and justification.
func parseActionResponse(text string) (*Action, string, error) {
	sections := splitSections(text, []string{"Classification:", "Justification:"})

	raw := strings.ToLower(strings.TrimSpace(sections["Classification:"]))
	var class Classification
	switch raw {
	case string(ClassifyReply), string(ClassifyArchive), string(ClassifyDelete), string(ClassifyNone):
		class = Classification(raw)
	default:
		return nil, "", fmt.Errorf("artifact: unrecognized classification %q: %w", raw, coreerr.ErrParse)
	}

	justification := strings.TrimSpace(sections["Justification:"])
	return &Action{Classification: class, Justification: justification}, justification, nil
}

// splitSections scans text line by line, grouping lines under the most
// recently seen label from labels. A label must appear at the start of
// its own line (optionally followed by inline content on the same line).
func splitSections(text string, labels []string) map[string]string {
	out := make(map[string]string, len(labels))
	current := ""

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		matched := ""
		for _, label := range labels {
			if strings.HasPrefix(strings.TrimSpace(line), label) {
				matched = label
				break
			}
		}
		if matched != "" {
			current = matched
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), matched))
			if rest != "" {
				out[current] = appendLine(out[current], rest)
			}
			continue
		}
		if current != "" && strings.TrimSpace(line) != "" {
			out[current] = appendLine(out[current], line)
		}
	}
	return out
}

// bulletizeTodos turns the raw "Todos:" section into newline-separated
// bullet items, one per non-empty input line, with trailing periods
// stripped. A "none" section (or an empty one) yields an empty string.
func bulletizeTodos(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "none") {
		return ""
	}
	var bullets []string
	for _, line := range strings.Split(raw, "\n") {
		item := strings.TrimSpace(line)
		item = strings.TrimPrefix(item, "- ")
		item = strings.TrimPrefix(item, "• ")
		item = strings.TrimSpace(item)
		if item == "" || strings.EqualFold(item, "none") {
			continue
		}
		item = strings.TrimSuffix(item, ".")
		bullets = append(bullets, "• "+item)
	}
	return strings.Join(bullets, "\n")
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
