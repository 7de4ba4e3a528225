// Package scanner detects prohibited content in text: PII, SQL injection,
// XSS, command injection, and obfuscation heuristics, optionally backed by
// a remote ML classifier. It powers the PDP's content stage and exposes a
// best-effort sanitizer for flagged text.
package scanner

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/gantrylabs/gantry/pkg/store"
)

// Severity orders scan outcomes from benign to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Violation categories.
const (
	CategoryPII              = "pii"
	CategorySQLInjection     = "sql_injection"
	CategoryXSS              = "xss"
	CategoryCommandInjection = "command_injection"
	CategoryMalicious        = "malicious"
	CategoryML               = "ml_classifier"
)

// categorySeverity maps a category to the severity one hit escalates to.
var categorySeverity = map[string]Severity{
	CategoryPII:              SeverityMedium,
	CategorySQLInjection:     SeverityHigh,
	CategoryXSS:              SeverityHigh,
	CategoryCommandInjection: SeverityCritical,
	CategoryMalicious:        SeverityCritical,
	CategoryML:               SeverityCritical,
}

// Violation is one rule hit.
type Violation struct {
	Category string   `json:"category"`
	Rule     string   `json:"rule"`
	Match    string   `json:"match,omitempty"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of one scan.
type Result struct {
	Safe       bool           `json:"safe"`
	Violations []Violation    `json:"violations"`
	Severity   Severity       `json:"severity"`
	Sanitized  string         `json:"sanitized,omitempty"`
	Details    map[string]int `json:"details"`
}

type pattern struct {
	category string
	rule     string
	severity Severity
	re       *regexp.Regexp
}

// builtinPatterns are always active. Database rows are merged on top.
func builtinPatterns() []pattern {
	mk := func(category, rule, expr string) pattern {
		return pattern{
			category: category,
			rule:     rule,
			severity: categorySeverity[category],
			re:       regexp.MustCompile(expr),
		}
	}
	return []pattern{
		mk(CategoryPII, "email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		mk(CategoryPII, "ssn", `\b\d{3}-\d{2}-\d{4}\b`),
		mk(CategoryPII, "credit_card", `\b(?:\d[ -]?){13,16}\b`),
		mk(CategoryPII, "phone", `\b\+?\d{1,3}[ .-]?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`),
		mk(CategoryPII, "api_key", `\b(?:sk|pk|rk)-[a-zA-Z0-9]{20,}\b`),

		mk(CategorySQLInjection, "union_select", `(?i)\bunion\b[\s/*]+\bselect\b`),
		mk(CategorySQLInjection, "boolean_bypass", `(?i)['"]?\s*(?:or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
		mk(CategorySQLInjection, "stacked_statement", `(?i);\s*(?:drop|delete|insert|update|alter|truncate)\b`),
		mk(CategorySQLInjection, "comment_breakout", `(?i)['"]\s*(?:--|#|/\*)`),
		mk(CategorySQLInjection, "time_probe", `(?i)\b(?:sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`),

		mk(CategoryXSS, "script_tag", `(?i)<\s*script\b`),
		mk(CategoryXSS, "event_handler", `(?i)\bon[a-z]+\s*=`),
		mk(CategoryXSS, "javascript_url", `(?i)javascript\s*:`),
		mk(CategoryXSS, "embed_tag", `(?i)<\s*(?:iframe|object|embed)\b`),
		mk(CategoryXSS, "dom_probe", `(?i)\b(?:document\.cookie|document\.write|window\.location)\b`),

		mk(CategoryCommandInjection, "shell_chain", `(?i)[;&|]\s*(?:rm|cat|ls|chmod|chown|curl|wget|nc|bash|sh|python|perl)\b`),
		mk(CategoryCommandInjection, "subshell", "\\$\\([^)]*\\)|`[^`]+`"),
		mk(CategoryCommandInjection, "sensitive_path", `(?i)/etc/(?:passwd|shadow)\b`),
		mk(CategoryCommandInjection, "remote_fetch_exec", `(?i)\b(?:curl|wget)\b[^|;&]*[|;&]\s*(?:bash|sh)\b`),
	}
}

var (
	urlEncodedRe = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	base64RunRe  = regexp.MustCompile(`[A-Za-z0-9+/]{80,}={0,2}`)
)

// MLClassifier scores text for maliciousness in [0,1]. Implementations may
// fail; the scanner degrades to regex-only on error.
type MLClassifier interface {
	Classify(ctx context.Context, text string) (float64, error)
}

// Scanner runs the pattern set, heuristics, and optional ML classifier
// over input text.
type Scanner struct {
	logger      *slog.Logger
	mu          sync.RWMutex
	patterns    []pattern
	ml          MLClassifier
	mlThreshold float64
	mlWarnOnce  sync.Once
}

// New returns a scanner with the built-in pattern set.
func New(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		logger:   logger.With("component", "scanner"),
		patterns: builtinPatterns(),
	}
}

// WithML attaches an ML classifier; scores at or above threshold add a
// critical violation. A threshold outside (0,1] disables the classifier.
func (s *Scanner) WithML(ml MLClassifier, threshold float64) *Scanner {
	if ml == nil || threshold <= 0 || threshold > 1 {
		return s
	}
	s.ml = ml
	s.mlThreshold = threshold
	return s
}

// MergePatterns folds enabled database rows into the active pattern set.
// Rows that do not compile are logged and skipped. Returns how many rows
// were merged.
func (s *Scanner) MergePatterns(ctx context.Context, repo *store.PatternRepo) (int, error) {
	rows, err := repo.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}

	merged := make([]pattern, 0, len(rows))
	for _, row := range rows {
		re, err := regexp.Compile(row.Regex)
		if err != nil {
			s.logger.Warn("skipping invalid prohibited pattern",
				"id", row.ID,
				"type", row.Type,
				"error", err,
			)
			continue
		}
		sev := Severity(row.Severity)
		if _, ok := severityRank[sev]; !ok {
			sev = categorySeverity[row.Type]
			if sev == "" {
				sev = SeverityHigh
			}
		}
		rule := row.Description
		if rule == "" {
			rule = row.Regex
		}
		merged = append(merged, pattern{category: row.Type, rule: rule, severity: sev, re: re})
	}

	s.mu.Lock()
	s.patterns = append(builtinPatterns(), merged...)
	s.mu.Unlock()
	return len(merged), nil
}

// Scan inspects text and reports violations, the aggregated severity, and
// a sanitized copy when anything was flagged. Empty input is safe.
func (s *Scanner) Scan(ctx context.Context, text string) *Result {
	res := &Result{
		Safe:     true,
		Severity: SeverityLow,
		Details:  map[string]int{},
	}
	if text == "" {
		return res
	}

	normalized := norm.NFKC.String(text)

	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	for _, p := range patterns {
		m := p.re.FindString(normalized)
		if m == "" {
			continue
		}
		res.Violations = append(res.Violations, Violation{
			Category: p.category,
			Rule:     p.rule,
			Match:    excerpt(m),
			Severity: p.severity,
		})
	}

	res.Violations = append(res.Violations, heuristicViolations(normalized)...)

	if s.ml != nil {
		score, err := s.ml.Classify(ctx, normalized)
		switch {
		case err != nil:
			s.mlWarnOnce.Do(func() {
				s.logger.Warn("ml classifier unavailable, degrading to regex-only", "error", err)
			})
		case score >= s.mlThreshold:
			res.Violations = append(res.Violations, Violation{
				Category: CategoryML,
				Rule:     "classifier_score",
				Severity: SeverityCritical,
			})
			res.Details["ml_score"] = int(score * 100)
		}
	}

	for _, v := range res.Violations {
		res.Severity = MaxSeverity(res.Severity, v.Severity)
		res.Details[v.Category]++
	}
	if len(res.Violations) > 0 {
		res.Safe = false
		res.Sanitized = Sanitize(normalized)
	}
	return res
}

// heuristicViolations applies the obfuscation checks: special-character
// ratio, null bytes, URL-encoding density, and long base-64 runs.
func heuristicViolations(text string) []Violation {
	var out []Violation
	add := func(rule string) {
		out = append(out, Violation{
			Category: CategoryMalicious,
			Rule:     rule,
			Severity: SeverityCritical,
		})
	}

	if containsNullByte(text) {
		add("null_bytes")
	}
	if specialCharRatio(text) > 0.30 {
		add("special_char_ratio")
	}
	if len(urlEncodedRe.FindAllStringIndex(text, 10)) >= 10 {
		add("url_encoding_density")
	}
	if base64RunRe.MatchString(text) {
		add("base64_run")
	}
	return out
}

func containsNullByte(text string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] == 0 {
			return true
		}
	}
	return false
}

// specialCharRatio is the share of runes that are neither letters, digits,
// nor whitespace. Inputs shorter than 20 runes score zero so short tokens
// and punctuation-heavy fragments do not trip the heuristic.
func specialCharRatio(text string) float64 {
	var total, special int
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total < 20 {
		return 0
	}
	return float64(special) / float64(total)
}

func excerpt(match string) string {
	const max = 64
	if len(match) <= max {
		return match
	}
	return match[:max]
}
