package dlp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-dlp/pkg/domain"
)

// Detect returns every entity the rules accept, in rule order and then by
// position. Text without findings yields an empty, non-nil slice.
func (d *Detector) Detect(text string) []domain.Entity {
	entities := []domain.Entity{}
	if text == "" {
		return entities
	}

	for _, rule := range d.rules {
		matches := rule.expr.FindAllStringSubmatchIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		// Context keywords are matched against the whole text so word
		// boundaries are not invented at the window edges.
		var keywords [][]int
		if rule.context != nil {
			keywords = rule.context.FindAllStringIndex(text, -1)
		}
		for _, m := range matches {
			start, end := m[2*rule.Group], m[2*rule.Group+1]
			if start < 0 {
				continue
			}
			value, ok := rule.accept(text, start, end, keywords)
			if !ok {
				continue
			}
			entities = append(entities, domain.Entity{Type: rule.Type, Value: value, Score: rule.Score})
			if rule.Once {
				break
			}
		}
	}

	return entities
}

func (r compiledRule) accept(text string, start, end int, keywords [][]int) (string, bool) {
	value := text[start:end]
	if r.TrimSuffix != "" {
		value = strings.TrimRight(value, r.TrimSuffix)
	}
	if r.Normalize != nil {
		value = r.Normalize(value)
	}
	if r.MinLen > 0 && len(value) < r.MinLen {
		return "", false
	}
	if r.MaxLen > 0 && len(value) > r.MaxLen {
		return "", false
	}
	if r.context != nil {
		lo := max(0, start-r.Window)
		hi := min(len(text), end+r.Window)
		if !within(keywords, lo, hi) {
			return "", false
		}
	}
	if r.Validate != nil && !r.Validate(value) {
		return "", false
	}
	return value, true
}

// within reports whether a keyword match lies entirely inside [lo, hi).
func within(keywords [][]int, lo, hi int) bool {
	for _, k := range keywords {
		if k[0] >= lo && k[1] <= hi {
			return true
		}
	}
	return false
}

// Mask replaces the values of maskable entities with a typed placeholder such
// as "[REDACTED:ssn]". Keyword hints are left in place.
func (d *Detector) Mask(text string, entities []domain.Entity) string {
	type replacement struct {
		value string
		token string
	}
	var repl []replacement
	seen := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		if !d.maskable[e.Type] || e.Value == "" {
			continue
		}
		if _, ok := seen[e.Value]; ok {
			continue
		}
		seen[e.Value] = struct{}{}
		repl = append(repl, replacement{
			value: e.Value,
			token: fmt.Sprintf("[REDACTED:%s]", strings.ToLower(string(e.Type))),
		})
	}
	if len(repl) == 0 {
		return text
	}

	// Longest first so a value contained in another is not replaced piecemeal.
	sort.SliceStable(repl, func(i, j int) bool {
		return len(repl[i].value) > len(repl[j].value)
	})
	for _, r := range repl {
		text = strings.ReplaceAll(text, r.value, r.token)
	}
	return text
}

// luhnValid checks a card number, ignoring spaces and dashes.
func luhnValid(candidate string) bool {
	digits := make([]int, 0, len(candidate))
	for _, ch := range candidate {
		switch {
		case ch >= '0' && ch <= '9':
			digits = append(digits, int(ch-'0'))
		case ch == ' ' || ch == '-':
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 16 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := digits[i]
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}
