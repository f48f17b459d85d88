package modelclient

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"labelflow/internal/services/llm"
)

const classificationSchemaJSON = `{
  "type": "object",
  "required": ["label"],
  "properties": {
    "label": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  }
}`

var (
	classificationSchema = mustCompileSchema("classification.json", classificationSchemaJSON)
	labelPattern         = regexp.MustCompile(`"label"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

func mustCompileSchema(name, source string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(source)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// Result is a parsed classification.
type Result struct {
	Label      string
	Confidence float64
	Reasoning  string
	Model      string
	Raw        string
}

// ParseClassification extracts the label from a model response. It never
// fails; an unusable response yields an empty label.
func ParseClassification(raw string) Result {
	result := Result{Raw: raw}
	payload := llm.SanitizeJSONPayload(raw)

	var doc any
	decoder := json.NewDecoder(bytes.NewReader([]byte(payload)))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err == nil && classificationSchema.Validate(doc) == nil {
		fields := doc.(map[string]any)
		result.Label = NormalizeLabel(fields["label"].(string))
		if confidence, ok := fields["confidence"].(json.Number); ok {
			result.Confidence, _ = confidence.Float64()
		}
		if reasoning, ok := fields["reasoning"].(string); ok {
			result.Reasoning = strings.TrimSpace(reasoning)
		}
		return result
	}

	if match := labelPattern.FindStringSubmatch(payload); match != nil {
		label, err := strconv.Unquote(`"` + match[1] + `"`)
		if err != nil {
			label = match[1]
		}
		result.Label = NormalizeLabel(label)
		return result
	}

	text := llm.StripCodeFence(raw)
	if line, _, found := strings.Cut(strings.TrimSpace(text), "\n"); found {
		text = line
	}
	text = strings.Trim(strings.TrimSpace(text), "\"'`")
	result.Label = NormalizeLabel(text)
	return result
}

// NormalizeLabel trims whitespace and applies Unicode NFC so visually equal
// labels compare equal.
func NormalizeLabel(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}
