// internal/pipeline/transform_test.go
package pipeline

import (
	"reflect"
	"testing"
)

func TestTransformRules(t *testing.T) {
	tests := []struct {
		name  string
		rules TransformList
		input interface{}
		want  interface{}
	}{
		{"trim", TransformList{{Type: "trim"}}, "  hello  ", "hello"},
		{"normalize spaces", TransformList{{Type: "normalize_spaces"}}, " a \n\t b  c ", "a b c"},
		{"lowercase", TransformList{{Type: "lowercase"}}, "HeLLo", "hello"},
		{"uppercase", TransformList{{Type: "uppercase"}}, "sku-12", "SKU-12"},
		{"title", TransformList{{Type: "title"}}, "brass desk lamp", "Brass Desk Lamp"},
		{"remove html", TransformList{{Type: "remove_html"}}, "<b>Lamp</b> <i>new</i>", "Lamp new"},
		{"regex", TransformList{{Type: "regex", Pattern: `SKU-(\d+)`, Replacement: "$1"}}, "SKU-42", "42"},
		{"regex extract group", TransformList{{Type: "regex_extract", Pattern: `(\d+) reviews`}}, "4.5 stars, 120 reviews", "120"},
		{"regex extract no match", TransformList{{Type: "regex_extract", Pattern: `\d+ reviews`}}, "no reviews yet", ""},
		{"extract number", TransformList{{Type: "extract_number"}}, "Rated 4,5 of 5", "4.5"},
		{"clean price dollars", TransformList{{Type: "clean_price"}}, "$1,299.99", "1299.99"},
		{"clean price euro", TransformList{{Type: "clean_price"}}, "1.299,99 €", "1299.99"},
		{"clean price grouping only", TransformList{{Type: "clean_price"}}, "1 299 000 ₽", "1299000"},
		{"parse float", TransformList{{Type: "parse_float"}}, "£19.50", 19.5},
		{"parse int", TransformList{{Type: "parse_int"}}, "1,024 sold", int64(1024)},
		{
			"chain ends typed",
			TransformList{{Type: "trim"}, {Type: "parse_float"}, {Type: "uppercase"}},
			" 7.25 ",
			7.25,
		},
		{
			"list items",
			TransformList{{Type: "uppercase"}},
			[]interface{}{"red", "blue"},
			[]interface{}{"RED", "BLUE"},
		},
		{"non string passes", TransformList{{Type: "trim"}}, 42, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.rules.Apply(tt.input)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Apply() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestTransformErrors(t *testing.T) {
	if _, err := (TransformList{{Type: "parse_float"}}).Apply("free"); err == nil {
		t.Error("parse_float on text should fail")
	}
	if _, err := (TransformList{{Type: "parse_int"}}).Apply("none"); err == nil {
		t.Error("parse_int without digits should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rules   TransformList
		wantErr bool
	}{
		{"empty", nil, false},
		{"known", TransformList{{Type: "trim"}, {Type: "clean_price"}}, false},
		{"unknown", TransformList{{Type: "reverse"}}, true},
		{"regex without pattern", TransformList{{Type: "regex"}}, true},
		{"bad pattern", TransformList{{Type: "regex_extract", Pattern: "("}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rules.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
