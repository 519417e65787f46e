// Package patcher applies text patches to the core's two singleton
// documents (action rules and the user knowledge base). It is a pure
// function of (document, patch) -> new document | error; persistence
// and change notification are the caller's responsibility (docmgr, which
// runs each patch through editchain).
package patcher

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/allaspectsdev/mailcore/internal/coreerr"
)

// OpKind is the patch operation verb.
type OpKind string

const (
	OpAdd OpKind = "ADD"
	OpDel OpKind = "DEL"
)

// ValidActionTypes are the only action types an action-document patch
// operation may carry.
var ValidActionTypes = map[string]bool{
	"delete":  true,
	"archive": true,
	"reply":   true,
	"none":    true,
}

// Op is one parsed patch operation.
type Op struct {
	Kind       OpKind
	ActionType string // only set for action-document patches
	Content    string
}

// ParseError is returned for patch text that does not parse.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("patcher: line %d: %s", e.Line, e.Msg)
}

// Parse splits patch text into a sequence of operations. isAction
// selects whether each block carries an action-type line.
func Parse(patchText string, isAction bool) ([]Op, error) {
	lines := strings.Split(strings.ReplaceAll(patchText, "\r\n", "\n"), "\n")

	var ops []Op
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			continue
		}

		var kind OpKind
		switch line {
		case string(OpAdd):
			kind = OpAdd
		case string(OpDel):
			kind = OpDel
		default:
			return nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("expected ADD or DEL, got %q", line)}
		}
		i++

		op := Op{Kind: kind}

		if isAction {
			if i >= len(lines) {
				return nil, &ParseError{Line: i, Msg: "missing action type line"}
			}
			actionType := strings.TrimSpace(lines[i])
			if !ValidActionTypes[strings.ToLower(actionType)] {
				return nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("unknown action type %q", actionType)}
			}
			op.ActionType = strings.ToLower(actionType)
			i++
		}

		var content []string
		for i < len(lines) {
			l := strings.TrimSpace(lines[i])
			if l == string(OpAdd) || l == string(OpDel) {
				break
			}
			if l != "" {
				content = append(content, l)
			}
			i++
		}
		op.Content = strings.Join(content, "\n")
		ops = append(ops, op)
	}

	return ops, nil
}

// Apply parses and applies patchText to doc in order. On the first
// operation that fails, Apply returns the document as modified by every
// preceding successful operation, together with the failure.
func Apply(doc, patchText string, isAction bool) (string, error) {
	ops, err := Parse(patchText, isAction)
	if err != nil {
		return doc, fmt.Errorf("%w: %v", coreerr.ErrPatch, err)
	}

	for _, op := range ops {
		next, err := applyOne(doc, op, isAction)
		if err != nil {
			return doc, err
		}
		doc = next
	}
	return doc, nil
}

func applyOne(doc string, op Op, isAction bool) (string, error) {
	canonical := canonicalize(op.Content)

	switch op.Kind {
	case OpAdd:
		if isAction {
			return addToActionSection(doc, op.ActionType, canonical)
		}
		return addToEnd(doc, canonical)
	case OpDel:
		if isAction {
			return deleteFromActionSection(doc, op.ActionType, canonical)
		}
		return deleteAnywhere(doc, canonical)
	default:
		return doc, fmt.Errorf("%w: unknown operation kind %q", coreerr.ErrPatch, op.Kind)
	}
}

// canonicalize normalizes a content line to its stored, on-disk form:
// NFKC-folded, bulleted, period-terminated.
func canonicalize(content string) string {
	text := norm.NFKC.String(content)
	text = strings.TrimPrefix(text, "- ")
	text = strings.TrimSpace(text)
	if !strings.HasSuffix(text, ".") {
		text += "."
	}
	return "- " + text
}

// compareKey is the case-insensitive, period-agnostic form used to
// detect duplicates and locate DEL targets.
func compareKey(canonicalLine string) string {
	s := strings.TrimPrefix(canonicalLine, "- ")
	s = strings.TrimSuffix(s, ".")
	return strings.ToLower(strings.TrimSpace(s))
}

func sectionHeader(actionType string) string {
	return fmt.Sprintf("# Emails to be marked as `%s` (DO NOT EDIT/DELETE THIS SECTION HEADER)", actionType)
}

func addToActionSection(doc, actionType, canonical string) (string, error) {
	lines := strings.Split(doc, "\n")
	header := sectionHeader(actionType)

	start := -1
	for i, l := range lines {
		if l == header {
			start = i
			break
		}
	}
	if start == -1 {
		return doc, fmt.Errorf("%w: section header for action type %q not found", coreerr.ErrPatch, actionType)
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "# ") {
			end = i
			break
		}
	}

	key := compareKey(canonical)
	for i := start + 1; i < end; i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "- ") && compareKey(lines[i]) == key {
			return doc, nil // duplicate ADD is a silent no-op
		}
	}

	insertPos := end
	for insertPos > start+1 && strings.TrimSpace(lines[insertPos-1]) == "" {
		insertPos--
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertPos]...)
	out = append(out, canonical)
	out = append(out, lines[insertPos:]...)
	return strings.Join(out, "\n"), nil
}

func addToEnd(doc, canonical string) (string, error) {
	key := compareKey(canonical)
	for _, l := range strings.Split(doc, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "- ") && compareKey(l) == key {
			return doc, nil // duplicate ADD is a silent no-op
		}
	}
	trimmed := strings.TrimRight(doc, "\n")
	if trimmed == "" {
		return canonical, nil
	}
	return trimmed + "\n" + canonical, nil
}

func deleteFromActionSection(doc, actionType, canonical string) (string, error) {
	lines := strings.Split(doc, "\n")
	header := sectionHeader(actionType)

	start := -1
	for i, l := range lines {
		if l == header {
			start = i
			break
		}
	}
	if start == -1 {
		return doc, fmt.Errorf("%w: section header for action type %q not found", coreerr.ErrPatch, actionType)
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "# ") {
			end = i
			break
		}
	}

	key := compareKey(canonical)
	for i := start + 1; i < end; i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "- ") && compareKey(lines[i]) == key {
			out := append(append([]string{}, lines[:i]...), lines[i+1:]...)
			return strings.Join(out, "\n"), nil
		}
	}
	return doc, fmt.Errorf("%w: DEL target not found in section %q", coreerr.ErrPatch, actionType)
}

func deleteAnywhere(doc, canonical string) (string, error) {
	lines := strings.Split(doc, "\n")
	key := compareKey(canonical)
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "- ") && compareKey(l) == key {
			out := append(append([]string{}, lines[:i]...), lines[i+1:]...)
			return strings.Join(out, "\n"), nil
		}
	}
	return doc, fmt.Errorf("%w: DEL target not found", coreerr.ErrPatch)
}
