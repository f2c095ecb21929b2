package sync

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	partitionPlaceholder = "{partition}"
	filenamePlaceholder  = "{filename}"
	unmatchedPrefix      = "unmatched_documents"
)

var placeholderPattern = regexp.MustCompile(`\{[^{}]*\}`)

// PathRule files attachments from one sender under a date partition taken from the subject.
//
// Pattern must capture day, month and year, either as named groups
// (dom or day, month, year) or as exactly three unnamed groups in that order.
// Template must contain {partition} and {filename} once each.
type PathRule struct {
	Sender   string `mapstructure:"sender" json:"sender"`
	Pattern  string `mapstructure:"pattern" json:"pattern"`
	Template string `mapstructure:"template" json:"template"`
}

type compiledRule struct {
	re       *regexp.Regexp
	template string
	day      int
	month    int
	year     int
}

// PathResolver maps (sender, subject, filename) to a storage key
type PathResolver struct {
	rules    map[string]compiledRule
	newToken func() string
}

// NewPathResolver validates the rule table and builds a resolver
func NewPathResolver(rules []PathRule) (*PathResolver, error) {
	r := &PathResolver{
		rules:    make(map[string]compiledRule, len(rules)),
		newToken: uuid.NewString,
	}

	for i, rule := range rules {
		sender := normalizeAddress(rule.Sender)
		if sender == "" {
			return nil, NewError(KindConfig, "path rules", fmt.Errorf("rule %d: empty sender", i))
		}
		if _, dup := r.rules[sender]; dup {
			return nil, NewError(KindConfig, "path rules", fmt.Errorf("rule %d: duplicate sender %q", i, sender))
		}

		compiled, err := compileRule(rule)
		if err != nil {
			return nil, NewError(KindConfig, "path rules", fmt.Errorf("rule %d (%s): %w", i, sender, err))
		}
		r.rules[sender] = compiled
	}

	return r, nil
}

func compileRule(rule PathRule) (compiledRule, error) {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("compile pattern: %w", err)
	}

	if err := validateTemplate(rule.Template); err != nil {
		return compiledRule{}, err
	}

	c := compiledRule{re: re, template: rule.Template}

	day, month, year := re.SubexpIndex("dom"), re.SubexpIndex("month"), re.SubexpIndex("year")
	if day < 0 {
		day = re.SubexpIndex("day")
	}

	switch {
	case day > 0 && month > 0 && year > 0:
		c.day, c.month, c.year = day, month, year
	case re.NumSubexp() == 3:
		c.day, c.month, c.year = 1, 2, 3
	default:
		return compiledRule{}, fmt.Errorf("pattern must capture day, month and year, found %d groups", re.NumSubexp())
	}

	return c, nil
}

func validateTemplate(tmpl string) error {
	found := placeholderPattern.FindAllString(tmpl, -1)
	if len(found) != 2 {
		return fmt.Errorf("template %q must have exactly 2 placeholders, found %d", tmpl, len(found))
	}
	if strings.Count(tmpl, partitionPlaceholder) != 1 || strings.Count(tmpl, filenamePlaceholder) != 1 {
		return fmt.Errorf("template %q must contain %s and %s", tmpl, partitionPlaceholder, filenamePlaceholder)
	}
	return nil
}

// Resolve returns the storage key for an attachment.
// Unknown senders and subjects without a date fall back to a unique
// key under unmatched_documents.
func (r *PathResolver) Resolve(fromAddress, subject, filename string) string {
	if rule, ok := r.rules[normalizeAddress(fromAddress)]; ok {
		if m := rule.re.FindStringSubmatch(subject); m != nil {
			partition := fmt.Sprintf("%s-%s-%s", m[rule.year], m[rule.month], m[rule.day])
			return strings.NewReplacer(
				partitionPlaceholder, partition,
				filenamePlaceholder, filename,
			).Replace(rule.template)
		}
	}

	return fmt.Sprintf("%s/from=%s/%s_%s", unmatchedPrefix, fromAddress, r.newToken(), filename)
}

// Rules returns the number of configured senders
func (r *PathResolver) Rules() int {
	return len(r.rules)
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// JoinKey roots key under basePath. Leading and trailing slashes of basePath are ignored.
func JoinKey(basePath, key string) string {
	base := strings.Trim(basePath, "/")
	if base == "" {
		return key
	}
	return base + "/" + key
}
