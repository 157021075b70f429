// internal/pipeline/transform.go

// Package pipeline post-processes extracted field values: whitespace and
// markup cleanup, regex rewrites and price or number parsing.
package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TransformRule is one step applied to a field value.
type TransformRule struct {
	Type        string `yaml:"type" json:"type" mapstructure:"type"`
	Pattern     string `yaml:"pattern,omitempty" json:"pattern,omitempty" mapstructure:"pattern"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty" mapstructure:"replacement"`
}

// TransformList is applied in order. Rules that expect a string leave
// values of other types untouched, so parse_float may end a chain.
type TransformList []TransformRule

var (
	spaceRe  = regexp.MustCompile(`\s+`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	numberRe = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
	priceRe  = regexp.MustCompile(`\d[\d.,\s]*`)

	titleCaser = cases.Title(language.Und)

	// user patterns are compiled once
	patterns sync.Map
)

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// Validate checks rule types and regex patterns.
func (tl TransformList) Validate() error {
	for i, rule := range tl {
		switch rule.Type {
		case "trim", "normalize_spaces", "lowercase", "uppercase", "title",
			"remove_html", "extract_number", "clean_price", "parse_float", "parse_int":
		case "regex", "regex_extract":
			if rule.Pattern == "" {
				return fmt.Errorf("transform %d: %s requires a pattern", i, rule.Type)
			}
			if _, err := compile(rule.Pattern); err != nil {
				return fmt.Errorf("transform %d: invalid pattern: %w", i, err)
			}
		default:
			return fmt.Errorf("transform %d: unknown type %q", i, rule.Type)
		}
	}
	return nil
}

// Apply runs every rule against value. Lists are transformed item by item.
func (tl TransformList) Apply(value interface{}) (interface{}, error) {
	if len(tl) == 0 {
		return value, nil
	}
	if items, ok := value.([]interface{}); ok {
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			v, err := tl.Apply(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	var err error
	for i, rule := range tl {
		if value, err = rule.Apply(value); err != nil {
			return nil, fmt.Errorf("transform %d (%s): %w", i, rule.Type, err)
		}
	}
	return value, nil
}

// Apply runs a single rule.
func (tr TransformRule) Apply(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch tr.Type {
	case "trim":
		return strings.TrimSpace(s), nil
	case "normalize_spaces":
		return spaceRe.ReplaceAllString(strings.TrimSpace(s), " "), nil
	case "lowercase":
		return strings.ToLower(s), nil
	case "uppercase":
		return strings.ToUpper(s), nil
	case "title":
		return titleCaser.String(s), nil
	case "remove_html":
		return strings.TrimSpace(spaceRe.ReplaceAllString(tagRe.ReplaceAllString(s, " "), " ")), nil
	case "regex":
		re, err := compile(tr.Pattern)
		if err != nil {
			return nil, err
		}
		return re.ReplaceAllString(s, tr.Replacement), nil
	case "regex_extract":
		re, err := compile(tr.Pattern)
		if err != nil {
			return nil, err
		}
		m := re.FindStringSubmatch(s)
		switch {
		case m == nil:
			return "", nil
		case len(m) > 1:
			return m[1], nil
		}
		return m[0], nil
	case "extract_number":
		return strings.Replace(numberRe.FindString(s), ",", ".", 1), nil
	case "clean_price":
		return CleanPrice(s), nil
	case "parse_float":
		return strconv.ParseFloat(CleanPrice(s), 64)
	case "parse_int":
		cleaned := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' || r == '-' {
				return r
			}
			return -1
		}, s)
		if cleaned == "" {
			return nil, fmt.Errorf("no digits in %q", s)
		}
		return strconv.ParseInt(cleaned, 10, 64)
	}
	return nil, fmt.Errorf("unknown transform type %q", tr.Type)
}

// CleanPrice extracts the first amount from s and returns it with a dot as
// the decimal separator and no grouping: "1.299,99 €" becomes "1299.99".
// A separator followed by one or two trailing digits is decimal.
func CleanPrice(s string) string {
	raw := strings.TrimRight(priceRe.FindString(s), " .,")
	raw = strings.Join(strings.Fields(raw), "")
	if raw == "" {
		return ""
	}

	grouping := strings.NewReplacer(".", "", ",", "")
	sep := strings.LastIndexAny(raw, ".,")
	if sep >= 0 && len(raw)-sep-1 <= 2 {
		return grouping.Replace(raw[:sep]) + "." + raw[sep+1:]
	}
	return grouping.Replace(raw)
}
