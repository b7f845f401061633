// Package review validates and reconciles a review-result payload reported
// by an external review producer before it is accepted into the pipeline:
// schema and version checks, per-finding coercion, and changed-file
// reconciliation, all recorded as diagnostics tagged with a correlation id.
package review

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Required and optional fields, per spec §5.1.
var (
	RequiredFindingFields = map[string]struct{}{
		"id": {}, "severity": {}, "category": {}, "title": {}, "file": {}, "line": {}, "message": {},
	}
	AllowedSeverities = map[string]struct{}{
		"critical": {}, "high": {}, "medium": {}, "low": {}, "info": {},
	}
	AllowedCategories = map[string]struct{}{
		"correctness": {}, "security": {}, "performance": {}, "reliability": {}, "maintainability": {}, "style": {}, "test": {},
	}
	AllowedConfidence = map[string]struct{}{
		"high": {}, "medium": {}, "low": {},
	}
	TopLevelRequiredFields = map[string]struct{}{
		"schema_version": {}, "prompt_version": {}, "findings": {},
	}
	TopLevelOptionalFields = map[string]struct{}{
		"summary": {}, "meta": {},
	}
)

const (
	SupportedSchemaVersion = "1.0"
	SupportedPromptVersion = "1.0.0"
)

var (
	schemaVersionRE = regexp.MustCompile(`^(\d+)\.(\d+)$`)
	promptVersionRE = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?$`)
)

// Diagnostic is one audit-logged validation event.
type Diagnostic struct {
	CorrelationID string                 `json:"correlation_id"`
	Code          string                 `json:"code"`
	Field         string                 `json:"field"`
	Reason        string                 `json:"reason"`
	Action        string                 `json:"action"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// DiagnosticRecorder collects diagnostics in emission order.
type DiagnosticRecorder struct {
	Entries []Diagnostic
}

// NewDiagnosticRecorder returns an empty recorder.
func NewDiagnosticRecorder() *DiagnosticRecorder {
	return &DiagnosticRecorder{}
}

// Emit records one diagnostic entry.
func (r *DiagnosticRecorder) Emit(correlationID, code, field, reason, action string, details map[string]interface{}) {
	r.Entries = append(r.Entries, Diagnostic{
		CorrelationID: correlationID,
		Code:          code,
		Field:         field,
		Reason:        reason,
		Action:        action,
		Details:       details,
	})
}

// Outcome is validate_and_reconcile_review_result's result.
type Outcome struct {
	ReviewResult map[string]interface{}
	Diagnostics  []Diagnostic
	Rejected     bool
}

func rejectedOutcome(recorder *DiagnosticRecorder) Outcome {
	return Outcome{ReviewResult: map[string]interface{}{"findings": []interface{}{}}, Diagnostics: recorder.Entries, Rejected: true}
}

// ValidateAndReconcileReviewResult parses rawPayload, validates its schema
// and version fields, and walks each reported finding applying the field
// coercion, enum, line-range, and changed-file reconciliation rules
// before keeping it. A recorder is created if nil is passed.
func ValidateAndReconcileReviewResult(rawPayload string, changedFiles []string, correlationID string, recorder *DiagnosticRecorder) (Outcome, error) {
	if recorder == nil {
		recorder = NewDiagnosticRecorder()
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(rawPayload), &parsed); err != nil {
		recorder.Emit(correlationID, "invalid_json", "payload", "json_parse_error", "reject",
			map[string]interface{}{"error": err.Error()})
		return rejectedOutcome(recorder), nil
	}
	if parsed == nil {
		recorder.Emit(correlationID, "schema_mismatch", "payload", "top_level_not_object", "reject", nil)
		return rejectedOutcome(recorder), nil
	}

	if missing := missingKeys(parsed, TopLevelRequiredFields); len(missing) > 0 {
		recorder.Emit(correlationID, "missing_required_field", "payload", "missing_required_top_level_field", "reject",
			map[string]interface{}{"missing": missing})
		return rejectedOutcome(recorder), nil
	}

	allowed := unionKeys(TopLevelRequiredFields, TopLevelOptionalFields)
	if extra := extraKeys(parsed, allowed); len(extra) > 0 {
		recorder.Emit(correlationID, "schema_mismatch", "payload", "additional_properties_not_allowed", "reject",
			map[string]interface{}{"additional_properties": extra})
		return rejectedOutcome(recorder), nil
	}

	schemaVersion := parsed["schema_version"]
	parsedSchemaVersion, ok := parseSchemaVersion(schemaVersion)
	if !ok {
		recorder.Emit(correlationID, "schema_mismatch", "schema_version", "invalid_schema_version_format", "reject",
			map[string]interface{}{"value": schemaVersion, "expected_pattern": "major.minor"})
		return rejectedOutcome(recorder), nil
	}
	supportedSchemaVersion, ok := parseSchemaVersion(SupportedSchemaVersion)
	if !ok {
		return Outcome{}, fmt.Errorf("review: SupportedSchemaVersion must follow major.minor format")
	}

	// Backward-compatibility policy: accept equal or newer minor in the same major line.
	if parsedSchemaVersion[0] != supportedSchemaVersion[0] || parsedSchemaVersion[1] < supportedSchemaVersion[1] {
		recorder.Emit(correlationID, "incompatible_version", "schema_version", "unsupported_schema_version", "reject",
			map[string]interface{}{"received": schemaVersion, "supported": SupportedSchemaVersion})
		return rejectedOutcome(recorder), nil
	}

	promptVersion := parsed["prompt_version"]
	parsedPromptVersion, ok := parsePromptVersion(promptVersion)
	if !ok {
		recorder.Emit(correlationID, "schema_mismatch", "prompt_version", "invalid_prompt_version_format", "reject",
			map[string]interface{}{"value": promptVersion, "expected_pattern": "major.minor[.patch]"})
		return rejectedOutcome(recorder), nil
	}
	supportedPromptVersion, ok := parsePromptVersion(SupportedPromptVersion)
	if !ok {
		return Outcome{}, fmt.Errorf("review: SupportedPromptVersion must follow major.minor[.patch] format")
	}

	// Backward-compatibility policy: allow patch drift within the same major/minor.
	if parsedPromptVersion[0] != supportedPromptVersion[0] || parsedPromptVersion[1] != supportedPromptVersion[1] {
		recorder.Emit(correlationID, "incompatible_version", "prompt_version", "unsupported_prompt_version", "reject",
			map[string]interface{}{"received": promptVersion, "supported": SupportedPromptVersion})
		return rejectedOutcome(recorder), nil
	}

	findingsRaw, ok := parsed["findings"].([]interface{})
	if !ok {
		recorder.Emit(correlationID, "schema_mismatch", "findings", "findings_not_array", "reject", nil)
		return rejectedOutcome(recorder), nil
	}

	changedSet := make(map[string]struct{}, len(changedFiles))
	for _, p := range changedFiles {
		changedSet[NormalizeRepoPath(p)] = struct{}{}
	}

	kept := make([]interface{}, 0, len(findingsRaw))
	for idx, raw := range findingsRaw {
		finding, ok := raw.(map[string]interface{})
		if !ok {
			recorder.Emit(correlationID, "schema_mismatch", fmt.Sprintf("findings[%d]", idx), "finding_not_object", "drop", nil)
			continue
		}

		if missing := missingKeys(finding, RequiredFindingFields); len(missing) > 0 {
			recorder.Emit(correlationID, "missing_required_field", fmt.Sprintf("findings[%d]", idx), "missing_required_finding_field", "drop",
				map[string]interface{}{"missing": missing})
			continue
		}

		coerced := make(map[string]interface{}, len(finding))
		for k, v := range finding {
			coerced[k] = v
		}

		for _, fieldName := range []string{"id", "severity", "category", "title", "file", "message"} {
			if s, ok := coerced[fieldName].(string); ok {
				trimmed := strings.TrimSpace(s)
				if trimmed != s {
					recorder.Emit(correlationID, "coercion_applied", fieldName, "trim_whitespace", "coerce",
						map[string]interface{}{"old": s, "new": trimmed, "finding_index": idx})
					coerced[fieldName] = trimmed
				}
			}
		}

		if s, ok := coerced["file"].(string); ok {
			normalized := NormalizeRepoPath(s)
			if normalized != s {
				recorder.Emit(correlationID, "coercion_applied", "file", "normalize_path", "coerce",
					map[string]interface{}{"old": s, "new": normalized, "finding_index": idx})
				coerced["file"] = normalized
			}
		}

		for _, numericField := range []string{"line", "end_line"} {
			if s, ok := coerced[numericField].(string); ok && isDigits(s) {
				n, err := strconv.Atoi(s)
				if err == nil {
					recorder.Emit(correlationID, "coercion_applied", numericField, "numeric_string_to_int", "coerce",
						map[string]interface{}{"old": s, "new": n, "finding_index": idx})
					coerced[numericField] = float64(n)
				}
			}
		}

		severity, _ := coerced["severity"].(string)
		if _, ok := AllowedSeverities[severity]; !ok {
			recorder.Emit(correlationID, "invalid_enum_value", "severity", "unsupported_severity", "drop",
				map[string]interface{}{"finding_index": idx, "value": coerced["severity"]})
			continue
		}

		category, _ := coerced["category"].(string)
		if _, ok := AllowedCategories[category]; !ok {
			recorder.Emit(correlationID, "invalid_enum_value", "category", "unsupported_category", "drop",
				map[string]interface{}{"finding_index": idx, "value": coerced["category"]})
			continue
		}

		if confidenceRaw, present := coerced["confidence"]; present && confidenceRaw != nil {
			confidence, _ := confidenceRaw.(string)
			if _, ok := AllowedConfidence[confidence]; !ok {
				recorder.Emit(correlationID, "invalid_enum_value", "confidence", "unsupported_confidence", "drop",
					map[string]interface{}{"finding_index": idx, "value": confidenceRaw})
				continue
			}
		}

		line, lineOK := asInt(coerced["line"])
		if !lineOK || line < 1 {
			recorder.Emit(correlationID, "invalid_line_range", "line", "line_must_be_positive_int", "drop",
				map[string]interface{}{"finding_index": idx, "value": coerced["line"]})
			continue
		}

		if endLineRaw, present := coerced["end_line"]; present && endLineRaw != nil {
			endLine, endLineOK := asInt(endLineRaw)
			if !endLineOK || endLine < line {
				recorder.Emit(correlationID, "invalid_line_range", "end_line", "end_line_must_be_int_and_gte_line", "drop",
					map[string]interface{}{"finding_index": idx, "line": line, "end_line": endLineRaw})
				continue
			}
		}

		fileVal, _ := coerced["file"].(string)
		if !ReconcileChangedFile(fileVal, changedSet) {
			recorder.Emit(correlationID, "file_not_in_changed_files", "file", "unmatched_changed_file", "drop",
				map[string]interface{}{"finding_index": idx, "file": fileVal})
			continue
		}

		kept = append(kept, coerced)
	}

	if len(kept) == 0 {
		recorder.Emit(correlationID, "all_findings_dropped", "findings", "no_valid_findings_after_validation", "warn", nil)
	}

	result := make(map[string]interface{}, len(parsed))
	for k, v := range parsed {
		result[k] = v
	}
	result["findings"] = kept
	return Outcome{ReviewResult: result, Diagnostics: recorder.Entries, Rejected: false}, nil
}

// NormalizeRepoPath mirrors the producer-side path normalization applied
// before comparing a finding's file against the changed-file set.
func NormalizeRepoPath(path string) string {
	trimmed := strings.TrimSpace(path)
	slashed := strings.ReplaceAll(trimmed, `\`, "/")
	return strings.TrimPrefix(slashed, "./")
}

// ReconcileChangedFile reports whether path, once normalized, is present in
// changedFiles (already normalized keys).
func ReconcileChangedFile(path string, changedFiles map[string]struct{}) bool {
	_, ok := changedFiles[NormalizeRepoPath(path)]
	return ok
}

func missingKeys(m map[string]interface{}, required map[string]struct{}) []string {
	var missing []string
	for k := range required {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

func extraKeys(m map[string]interface{}, allowed map[string]struct{}) []string {
	var extra []string
	for k := range m {
		if _, ok := allowed[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func unionKeys(sets ...map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

func parseSchemaVersion(value interface{}) ([2]int, bool) {
	s, ok := value.(string)
	if !ok {
		return [2]int{}, false
	}
	m := schemaVersionRE.FindStringSubmatch(s)
	if m == nil {
		return [2]int{}, false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return [2]int{major, minor}, true
}

func parsePromptVersion(value interface{}) ([3]int, bool) {
	s, ok := value.(string)
	if !ok {
		return [3]int{}, false
	}
	m := promptVersionRE.FindStringSubmatch(s)
	if m == nil {
		return [3]int{}, false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}
	return [3]int{major, minor, patch}, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
