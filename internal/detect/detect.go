// Package detect scans text for risk signals. Scanners are pure functions
// over their input: no state, no IO, same result for the same string.
package detect

// Category identifies one independent detection concern.
type Category string

const (
	CategoryInjection          Category = "injection"
	CategoryExfiltration       Category = "exfiltration"
	CategoryCredentialPhishing Category = "credential_phishing"
	CategoryMoneyMovement      Category = "money_movement"
	CategorySuspiciousCommand  Category = "suspicious_command"
)

// AllCategories lists categories in stable reporting order.
var AllCategories = []Category{
	CategoryInjection,
	CategoryExfiltration,
	CategoryCredentialPhishing,
	CategoryMoneyMovement,
	CategorySuspiciousCommand,
}

// TagThreshold is the per-category score at which a risk tag is emitted.
const TagThreshold = 0.3

// Detection is one category's result. Matches holds the distinct pattern
// sources that fired, which is also the count the score derives from.
type Detection struct {
	Category Category `json:"category"`
	Score    float64  `json:"score"`
	Matches  []string `json:"matches"`
}

// Result maps each detected category to its detection. A category is
// present only if at least one of its patterns matched.
type Result map[Category]Detection

// DetectAll scans text with every category's pattern set.
func DetectAll(text string) Result {
	result := make(Result)
	for _, cat := range AllCategories {
		var matches []string
		for _, re := range categoryPatterns[cat] {
			if re.MatchString(text) {
				matches = append(matches, re.String())
			}
		}
		if len(matches) == 0 {
			continue
		}
		score := float64(len(matches)) / categoryNormalizers[cat]
		if score > 1.0 {
			score = 1.0
		}
		result[cat] = Detection{Category: cat, Score: score, Matches: matches}
	}
	return result
}

// OverallRisk computes the category-weighted average score across the
// categories present in the result. Returns 0.0 when nothing was detected.
func OverallRisk(r Result) float64 {
	if len(r) == 0 {
		return 0.0
	}
	var sum float64
	for cat, d := range r {
		sum += d.Score * categoryWeights[cat]
	}
	return sum / float64(len(r))
}

// RiskTags emits the category name for every category scoring at or above
// TagThreshold, in stable order.
func RiskTags(r Result) []string {
	var tags []string
	for _, cat := range AllCategories {
		if d, ok := r[cat]; ok && d.Score >= TagThreshold {
			tags = append(tags, string(cat))
		}
	}
	return tags
}

// Scan is the one-call form used at evidence ingestion: overall score and
// tags for a blob of text.
func Scan(text string) (float64, []string) {
	r := DetectAll(text)
	return OverallRisk(r), RiskTags(r)
}
