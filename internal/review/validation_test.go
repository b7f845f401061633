package review

import (
	"encoding/json"
	"testing"
)

func baseFinding(overrides map[string]interface{}) map[string]interface{} {
	finding := map[string]interface{}{
		"id": "f1", "severity": "high", "category": "correctness",
		"title": "Title", "file": "src/main.py", "line": float64(10), "message": "Message",
	}
	for k, v := range overrides {
		finding[k] = v
	}
	return finding
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestEmitsCoercionDiagnosticsForTrimPathAndLineConversion(t *testing.T) {
	payload := map[string]interface{}{
		"schema_version": "1.0",
		"prompt_version": "1.0.0",
		"findings": []interface{}{
			baseFinding(map[string]interface{}{"id": "  f1  ", "title": " Title ", "file": ` ./src\main.py `, "line": "10"}),
		},
	}
	outcome, err := ValidateAndReconcileReviewResult(mustJSON(t, payload), []string{"src/main.py"}, "corr-1", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if outcome.Rejected {
		t.Fatalf("expected not rejected")
	}
	findings := outcome.ReviewResult["findings"].([]interface{})
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	finding := findings[0].(map[string]interface{})
	if finding["id"] != "f1" || finding["title"] != "Title" || finding["file"] != "src/main.py" {
		t.Fatalf("unexpected coerced finding: %+v", finding)
	}
	if finding["line"] != float64(10) {
		t.Fatalf("expected line coerced to int 10, got %v", finding["line"])
	}

	fields := map[string]bool{}
	for _, d := range outcome.Diagnostics {
		if d.Action == "coerce" {
			fields[d.Field] = true
		}
		if d.CorrelationID != "corr-1" {
			t.Fatalf("expected correlation id propagated, got %s", d.CorrelationID)
		}
	}
	for _, want := range []string{"id", "title", "file", "line"} {
		if !fields[want] {
			t.Fatalf("expected a coercion diagnostic for field %q", want)
		}
	}
}

func TestDropsForMissingFieldsEnumsLineRangesAndReconciliation(t *testing.T) {
	payload := map[string]interface{}{
		"schema_version": "1.0",
		"prompt_version": "1.0.0",
		"findings": []interface{}{
			map[string]interface{}{"id": "missing-stuff"},
			baseFinding(map[string]interface{}{"id": "bad-sev", "severity": "urgent"}),
			baseFinding(map[string]interface{}{"id": "bad-cat", "category": "ux"}),
			baseFinding(map[string]interface{}{"id": "bad-confidence", "confidence": "certain"}),
			baseFinding(map[string]interface{}{"id": "bad-line", "line": float64(0)}),
			baseFinding(map[string]interface{}{"id": "bad-end", "end_line": float64(2)}),
			baseFinding(map[string]interface{}{"id": "bad-file", "file": "src/elsewhere.py"}),
		},
	}
	outcome, err := ValidateAndReconcileReviewResult(mustJSON(t, payload), []string{"src/main.py"}, "corr-2", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if outcome.Rejected {
		t.Fatalf("expected not rejected")
	}
	findings := outcome.ReviewResult["findings"].([]interface{})
	if len(findings) != 0 {
		t.Fatalf("expected all findings dropped, got %d", len(findings))
	}

	counts := map[string]int{}
	for _, d := range outcome.Diagnostics {
		counts[d.Code]++
	}
	if counts["missing_required_field"] == 0 {
		t.Fatalf("expected a missing_required_field diagnostic")
	}
	if counts["invalid_enum_value"] != 3 {
		t.Fatalf("expected 3 invalid_enum_value diagnostics, got %d", counts["invalid_enum_value"])
	}
	if counts["invalid_line_range"] != 2 {
		t.Fatalf("expected 2 invalid_line_range diagnostics, got %d", counts["invalid_line_range"])
	}
	if counts["file_not_in_changed_files"] == 0 {
		t.Fatalf("expected a file_not_in_changed_files diagnostic")
	}
	if counts["all_findings_dropped"] == 0 {
		t.Fatalf("expected an all_findings_dropped diagnostic")
	}
}

func TestRejectsInvalidJSONAndNonArrayFindings(t *testing.T) {
	badJSON, err := ValidateAndReconcileReviewResult("{", []string{"src/main.py"}, "corr-3", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !badJSON.Rejected {
		t.Fatalf("expected rejected for malformed json")
	}
	if badJSON.Diagnostics[0].Code != "invalid_json" {
		t.Fatalf("expected invalid_json, got %s", badJSON.Diagnostics[0].Code)
	}

	payload := map[string]interface{}{
		"schema_version": "1.0",
		"prompt_version": "1.0.0",
		"findings":       map[string]interface{}{},
	}
	badFindings, err := ValidateAndReconcileReviewResult(mustJSON(t, payload), []string{"src/main.py"}, "corr-4", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !badFindings.Rejected {
		t.Fatalf("expected rejected for non-array findings")
	}
	if badFindings.Diagnostics[0].Code != "schema_mismatch" {
		t.Fatalf("expected schema_mismatch, got %s", badFindings.Diagnostics[0].Code)
	}
}

func TestRecorderCanBeSuppliedForAuditReplayCapture(t *testing.T) {
	recorder := NewDiagnosticRecorder()
	payload := map[string]interface{}{
		"schema_version": "1.0",
		"prompt_version": "1.0.0",
		"findings": []interface{}{
			baseFinding(map[string]interface{}{"file": "src/unmatched.py"}),
		},
	}
	if _, err := ValidateAndReconcileReviewResult(mustJSON(t, payload), []string{"src/main.py"}, "corr-5", recorder); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(recorder.Entries) == 0 {
		t.Fatalf("expected recorder to capture entries")
	}
	if recorder.Entries[0].CorrelationID != "corr-5" {
		t.Fatalf("expected correlation id on recorder entries")
	}
}

func TestIncompatibleSchemaAndPromptVersionsAreRejected(t *testing.T) {
	payload := map[string]interface{}{
		"schema_version": "2.0",
		"prompt_version": "1.0.0",
		"findings":       []interface{}{},
	}
	outcome, err := ValidateAndReconcileReviewResult(mustJSON(t, payload), nil, "corr-6", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !outcome.Rejected || outcome.Diagnostics[0].Code != "incompatible_version" {
		t.Fatalf("expected incompatible_version rejection, got %+v", outcome)
	}

	payload2 := map[string]interface{}{
		"schema_version": "1.1",
		"prompt_version": "1.0.0",
		"findings":       []interface{}{},
	}
	outcome2, err := ValidateAndReconcileReviewResult(mustJSON(t, payload2), nil, "corr-7", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if outcome2.Rejected {
		t.Fatalf("expected newer minor schema version to be accepted")
	}
}
