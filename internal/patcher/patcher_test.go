package patcher

import (
	"strings"
	"testing"
)

func TestApply_ActionADDIntoSection(t *testing.T) {
	doc := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n- Old rule."
	patch := "ADD\narchive\n- Newsletters from acme."

	got, err := Apply(doc, patch, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n- Old rule.\n- Newsletters from acme."
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestApply_ReapplyingADDIsNoOp(t *testing.T) {
	doc := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n- Old rule."
	patch := "ADD\narchive\n- Newsletters from acme."

	once, err := Apply(doc, patch, true)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	twice, err := Apply(once, patch, true)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if once != twice {
		t.Errorf("reapplying ADD changed the document:\nfirst:\n%s\nsecond:\n%s", once, twice)
	}
}

func TestApply_AddThenDeleteRoundTrips(t *testing.T) {
	doc := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n- Old rule."
	added, err := Apply(doc, "ADD\narchive\n- Newsletters from acme.", true)
	if err != nil {
		t.Fatalf("ADD: %v", err)
	}
	back, err := Apply(added, "DEL\narchive\n- Newsletters from acme.", true)
	if err != nil {
		t.Fatalf("DEL: %v", err)
	}
	if back != doc {
		t.Errorf("round trip mismatch:\ngot:\n%s\nwant:\n%s", back, doc)
	}
}

func TestApply_MissingSectionHeaderFails(t *testing.T) {
	doc := "# some unrelated header\n- x."
	_, err := Apply(doc, "ADD\narchive\n- y.", true)
	if err == nil {
		t.Fatal("expected error for missing section header")
	}
}

func TestApply_UnknownActionTypeFails(t *testing.T) {
	doc := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n"
	_, err := Apply(doc, "ADD\nbogus\n- y.", true)
	if err == nil {
		t.Fatal("expected error for unknown action type")
	}
}

func TestApply_DeleteAbsentTargetFails(t *testing.T) {
	doc := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n- Old rule."
	_, err := Apply(doc, "DEL\narchive\n- Does not exist.", true)
	if err == nil {
		t.Fatal("expected error deleting an absent target")
	}
}

func TestApply_KBAddAppendsToEnd(t *testing.T) {
	doc := "- First fact."
	got, err := Apply(doc, "ADD\n- Second fact", false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.HasSuffix(got, "- Second fact.") {
		t.Errorf("expected appended bullet, got:\n%s", got)
	}
}

func TestApply_NormalizationIsCaseAndPeriodInsensitiveForDuplicates(t *testing.T) {
	doc := "- Existing fact."
	got, err := Apply(doc, "ADD\n- EXISTING FACT", false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != doc {
		t.Errorf("expected no-op duplicate ADD, got:\n%s", got)
	}
}

func TestApply_MidPatchFailureReturnsPartialResult(t *testing.T) {
	doc := "# Emails to be marked as `archive` (DO NOT EDIT/DELETE THIS SECTION HEADER)\n- Old rule."
	patch := "ADD\narchive\n- New rule.\nDEL\narchive\n- Nonexistent rule."

	got, err := Apply(doc, patch, true)
	if err == nil {
		t.Fatal("expected error from second op")
	}
	if !strings.Contains(got, "- New rule.") {
		t.Errorf("expected first op's effect preserved, got:\n%s", got)
	}
}
