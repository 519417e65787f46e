package checkin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/reminder"
)

type reminderPayloadItem struct {
	ID      string `json:"id"`
	DueDate string `json:"due_date,omitempty"`
	DueTime string `json:"due_time,omitempty"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// encodeReminderPayload assigns each reminder a short sequential id and
// records message-sourced reminders' real fingerprints in idMap, so the
// model can reference a reminder by id and a tool call can translate it
// back without exposing fingerprints in the prompt itself.
func encodeReminderPayload(rs []reminder.Reminder, idMap map[string]string) (string, error) {
	items := make([]reminderPayloadItem, 0, len(rs))
	for i, r := range rs {
		id := strconv.Itoa(i + 1)
		if r.UniqueID != "" {
			idMap[id] = r.UniqueID
		}
		items = append(items, reminderPayloadItem{
			ID:      id,
			DueDate: r.DueDate,
			DueTime: r.DueTime,
			Content: r.Content,
			Source:  string(r.Source),
		})
	}
	buf, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func buildCheckinPrompt(userName, kbText, reminderJSON string, history []string, now time.Time, reason string) []collaborator.ChatMessage {
	var sb strings.Builder
	sb.WriteString("You decide whether to proactively reach out to the signed-in user about their open reminders. ")
	sb.WriteString("Respond with exactly one strict JSON object and nothing else: ")
	sb.WriteString(`{"reach_out": boolean, "message": string}`)
	sb.WriteString(". Omit or empty message when reach_out is false.\n\n")

	fmt.Fprintf(&sb, "User: %s\n", userName)
	fmt.Fprintf(&sb, "Current time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Trigger reason: %s\n\n", reason)

	if strings.TrimSpace(kbText) != "" {
		sb.WriteString("Knowledge base:\n")
		sb.WriteString(kbText)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Open reminders (JSON):\n")
	sb.WriteString(reminderJSON)
	sb.WriteString("\n\n")

	if len(history) > 0 {
		sb.WriteString("Recent chat history:\n")
		sb.WriteString(strings.Join(history, "\n"))
		sb.WriteString("\n\n")
	}

	sb.WriteString("A get_message_body tool is available to read the full body of a reminder's source message by its id.\n")

	return []collaborator.ChatMessage{{Role: "system", Content: sb.String()}}
}
