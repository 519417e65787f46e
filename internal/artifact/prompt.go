package artifact

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
)

// maxMaterialTokens bounds how much of the body/KB/history material is
// folded into a single system message before truncation, keeping the
// assembled prompt under transport-imposed context limits.
const maxMaterialTokens = 6000

func (p *Pipeline) buildSummaryPrompt(header collaborator.MessageHeader, body, kbText string) []collaborator.ChatMessage {
	var sb strings.Builder
	sb.WriteString("You summarize a single email for the signed-in user. ")
	sb.WriteString("Respond using exactly these section labels, each on its own line:\n")
	sb.WriteString("Todos:\nTwo-line summary:\nReminder due date:\nReminder content:\n\n")
	sb.WriteString("If there is no actionable reminder, write \"none\" for both reminder lines.\n\n")
	fmt.Fprintf(&sb, "Subject: %s\nFrom: %s\n\n", header.Subject, header.From)
	sb.WriteString(p.truncate(body, maxMaterialTokens))
	if strings.TrimSpace(kbText) != "" {
		sb.WriteString("\n\nUser context:\n")
		sb.WriteString(p.truncate(kbText, maxMaterialTokens/2))
	}

	return []collaborator.ChatMessage{{Role: "system", Content: sb.String()}}
}

func (p *Pipeline) buildActionPrompt(header collaborator.MessageHeader, body, actionDoc string) []collaborator.ChatMessage {
	var sb strings.Builder
	sb.WriteString("You classify a single email into one action for the signed-in user, ")
	sb.WriteString("given their standing rules. Respond using exactly these section labels:\n")
	sb.WriteString("Classification:\nJustification:\n\n")
	sb.WriteString("Classification must be exactly one of: reply, archive, delete, none.\n\n")
	if strings.TrimSpace(actionDoc) != "" {
		sb.WriteString("User rules:\n")
		sb.WriteString(p.truncate(actionDoc, maxMaterialTokens/2))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Subject: %s\nFrom: %s\n\n", header.Subject, header.From)
	sb.WriteString(p.truncate(body, maxMaterialTokens))

	return []collaborator.ChatMessage{{Role: "system", Content: sb.String()}}
}

func (p *Pipeline) buildReplyPrompt(header collaborator.MessageHeader, body string, summary *Summary) []collaborator.ChatMessage {
	var sb strings.Builder
	sb.WriteString("You draft a reply to a single email on behalf of the signed-in user. ")
	sb.WriteString("Respond with the reply body only, no labels or preamble.\n\n")
	fmt.Fprintf(&sb, "Subject: %s\nFrom: %s\n\n", header.Subject, header.From)
	if summary != nil {
		sb.WriteString("Summary: ")
		sb.WriteString(summary.Blurb)
		sb.WriteString("\n\n")
	}
	sb.WriteString(p.truncate(body, maxMaterialTokens))

	return []collaborator.ChatMessage{{Role: "system", Content: sb.String()}}
}

// truncate bounds text to approximately maxTokens, cutting on a rune
// boundary near the token budget rather than mid-token. Tokens are
// counted with the encoding of the pipeline's configured model.
func (p *Pipeline) truncate(text string, maxTokens int) string {
	if p.tok == nil {
		return text
	}
	if p.tok.CountTokens(p.model, text) <= maxTokens {
		return text
	}

	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		for mid > 0 && !utf8.RuneStart(text[mid]) {
			mid--
		}
		if p.tok.CountTokens(p.model, text[:mid]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	return text[:lo] + "\n[truncated]"
}
