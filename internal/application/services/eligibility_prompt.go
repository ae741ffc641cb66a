package services

import "strings"

const eligibilityExtractionPrompt = `Extract structured eligibility criteria from this clinical trial text.

Return JSON with these fields (use null if not specified):
{
  "min_age_years": <number or null>,
  "max_age_years": <number or null>,
  "sex": "<male|female|all>",
  "accepts_healthy": <bool>,
  "conditions_required": ["list of required diagnoses"],
  "conditions_excluded": ["list of excluded diagnoses"],
  "biomarkers_required": ["e.g. HER2+, EGFR mutation"],
  "biomarkers_excluded": ["e.g. BRCA negative"],
  "prior_treatments_required": ["treatments patient must have had"],
  "prior_treatments_excluded": ["treatments that disqualify"],
  "stage_required": ["e.g. Stage III, Stage IV, metastatic"],
  "lab_requirements": [{"test": "name", "operator": ">|<|>=|<=|=", "value": "number", "unit": "unit"}],
  "performance_status": {"scale": "ECOG|Karnofsky", "min": <number>, "max": <number>},
  "pregnancy_allowed": <bool or null>,
  "inclusion_summary": "1-2 sentence plain English summary of who qualifies",
  "exclusion_summary": "1-2 sentence plain English summary of who doesn't qualify"
}

Eligibility criteria text:
`

const (
	minCriteriaLength = 20
	maxCriteriaRunes  = 4000
)

// buildEligibilityPrompt appends the criteria, truncated, to the fixed schema prompt.
func buildEligibilityPrompt(criteria string) string {
	return eligibilityExtractionPrompt + truncateRunes(criteria, maxCriteriaRunes)
}

// stripCodeFences returns the body of the first ```json or ``` fenced block,
// or the trimmed reply when there is none.
func stripCodeFences(reply string) string {
	text := strings.TrimSpace(reply)
	for _, fence := range []string{"```json", "```"} {
		idx := strings.Index(text, fence)
		if idx < 0 {
			continue
		}
		body := text[idx+len(fence):]
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		return strings.TrimSpace(body)
	}
	return text
}
