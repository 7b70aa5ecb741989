package router

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseDecisionJSON decodes a model-returned routing decision. Models wrap
// JSON in markdown fences or surround it with prose often enough that the
// payload is treated as untrusted: strip fences, locate the last JSON
// object, then validate the decoded shape. Any mismatch returns an error
// for the caller to turn into the safe fallback.
func parseDecisionJSON(s string) (IntentDecision, error) {
	candidate := extractLastJSON(s)
	if candidate == "" {
		return IntentDecision{}, fmt.Errorf("no JSON object found in routing response")
	}

	var decision IntentDecision
	if err := json.Unmarshal([]byte(candidate), &decision); err != nil {
		return IntentDecision{}, fmt.Errorf("failed to parse routing decision: %w", err)
	}

	if decision.Confidence < 0 || decision.Confidence > 1 {
		return IntentDecision{}, fmt.Errorf("routing confidence %.2f out of range", decision.Confidence)
	}

	return decision, nil
}

// extractLastJSON finds the last complete JSON object in a string.
func extractLastJSON(s string) string {
	cleaned := stripMarkdownCodeFences(s)

	end := strings.LastIndex(cleaned, "}")
	if end == -1 {
		return ""
	}

	// Scan backwards to find the matching opening brace.
	balance := 0
	for i := end; i >= 0; i-- {
		switch cleaned[i] {
		case '}':
			balance++
		case '{':
			balance--
		}

		if balance == 0 && cleaned[i] == '{' {
			candidate := cleaned[i : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate
			}
			// The outermost object ending at 'end' is malformed; no valid
			// JSON ends there.
			return ""
		}
	}

	return ""
}

// stripMarkdownCodeFences removes code fence wrapping from a string.
// Handles ```json, ```, and variations with language specifiers.
func stripMarkdownCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)

	if strings.HasPrefix(trimmed, "```") {
		firstNewline := strings.Index(trimmed, "\n")
		if firstNewline != -1 {
			lastFence := strings.LastIndex(trimmed, "```")
			if lastFence > firstNewline {
				content := trimmed[firstNewline+1 : lastFence]
				return strings.TrimSpace(content)
			}
		}
	}

	return s
}
