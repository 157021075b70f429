// internal/scraper/extract.go
package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/valpere/marketrunner/internal/pipeline"
	"github.com/valpere/marketrunner/internal/utils"
)

// FieldConfig extracts one named value from an HTML page.
type FieldConfig struct {
	Name      string      `yaml:"name" json:"name" mapstructure:"name"`
	Selector  string      `yaml:"selector" json:"selector" mapstructure:"selector"`
	Type      string      `yaml:"type" json:"type" mapstructure:"type"` // text, html, attr or list
	Attribute string      `yaml:"attribute,omitempty" json:"attribute,omitempty" mapstructure:"attribute"`
	Required  bool        `yaml:"required,omitempty" json:"required,omitempty" mapstructure:"required"`
	Default   interface{} `yaml:"default,omitempty" json:"default,omitempty" mapstructure:"default"`
	// Transform post-processes the extracted value, e.g. clean_price.
	Transform pipeline.TransformList `yaml:"transform,omitempty" json:"transform,omitempty" mapstructure:"transform"`
}

// Validate checks the field definition.
func (f FieldConfig) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("field name is required")
	}
	if f.Selector == "" {
		return fmt.Errorf("field %q: selector is required", f.Name)
	}
	switch f.fieldType() {
	case "text", "html", "list":
	case "attr":
		if f.Attribute == "" {
			return fmt.Errorf("field %q: attribute name required for attr type", f.Name)
		}
	default:
		return fmt.Errorf("field %q: invalid type %q", f.Name, f.Type)
	}
	if err := f.Transform.Validate(); err != nil {
		return fmt.Errorf("field %q: %w", f.Name, err)
	}
	return nil
}

func (f FieldConfig) fieldType() string {
	if f.Type == "" {
		return "text"
	}
	return strings.ToLower(f.Type)
}

func (f FieldConfig) extract(doc *goquery.Document) (interface{}, bool) {
	sel := doc.Find(f.Selector)
	if sel.Length() == 0 {
		return nil, false
	}
	switch f.fieldType() {
	case "html":
		h, err := sel.First().Html()
		if err != nil || strings.TrimSpace(h) == "" {
			return nil, false
		}
		return h, true
	case "attr":
		v, ok := sel.First().Attr(f.Attribute)
		if !ok {
			return nil, false
		}
		return v, true
	case "list":
		var items []interface{}
		sel.Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				items = append(items, t)
			}
		})
		return items, len(items) > 0
	default:
		t := strings.TrimSpace(sel.First().Text())
		return t, t != ""
	}
}

// ExtractHTML pulls the generic page metadata (title, description,
// canonical URL, Open Graph tags, JSON-LD blocks) and the configured fields
// out of an HTML document. It fails when a required field is missing or
// when nothing at all could be extracted.
func ExtractHTML(body []byte, pageURL string, fields []FieldConfig) (map[string]interface{}, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, utils.NewError(utils.ErrCodeParsingError, "parse html").WithCause(err).Build()
	}
	data := make(map[string]interface{})

	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		data["title"] = t
	}
	if d, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok && strings.TrimSpace(d) != "" {
		data["description"] = d
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && href != "" {
		data["canonical"] = resolve(pageURL, href)
	}

	og := make(map[string]interface{})
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		content, ok := s.Attr("content")
		if ok && content != "" {
			og[strings.TrimPrefix(prop, "og:")] = content
		}
	})
	if len(og) > 0 {
		data["og"] = og
	}

	var ld []interface{}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v interface{}
		if err := json.Unmarshal([]byte(s.Text()), &v); err == nil && v != nil {
			ld = append(ld, v)
		}
	})
	if len(ld) > 0 {
		data["jsonLd"] = ld
	}

	var missing []string
	extracted := 0
	for _, f := range fields {
		v, ok := f.extract(doc)
		if ok && len(f.Transform) > 0 {
			var err error
			if v, err = f.Transform.Apply(v); err != nil {
				coordinatorLogger.Debugf("field %s: %v", f.Name, err)
				ok = false
			}
		}
		if !ok {
			if f.Required {
				missing = append(missing, f.Name)
				continue
			}
			if f.Default != nil {
				data[f.Name] = f.Default
			}
			continue
		}
		data[f.Name] = v
		extracted++
	}
	if len(missing) > 0 {
		return nil, utils.NewError(utils.ErrCodeExtractionFailed, "required fields missing").
			WithContext("fields", missing).Build()
	}
	if len(data) == 0 || (len(fields) > 0 && extracted == 0 && !hasMetadata(data)) {
		return nil, utils.NewError(utils.ErrCodeExtractionFailed, "nothing extracted").Build()
	}
	return data, nil
}

func hasMetadata(data map[string]interface{}) bool {
	for _, k := range []string{"title", "description", "og", "jsonLd"} {
		if _, ok := data[k]; ok {
			return true
		}
	}
	return false
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// Normalize returns a copy of data with every string NFKC-normalized and
// its whitespace collapsed. Nested maps and slices are walked.
func Normalize(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return strings.Join(strings.Fields(norm.NFKC.String(t)), " ")
	case map[string]interface{}:
		return Normalize(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	default:
		return v
	}
}
