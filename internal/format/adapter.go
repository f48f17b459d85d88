package format

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"labelflow/internal/services"
)

// Format tags a supported input encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

// DefaultLabelField is the name of the field added to every labeled record.
const DefaultLabelField = "ai_assigned_label"

// textFieldCandidates are field, column and element names that usually carry
// the text to classify.
var textFieldCandidates = []string{"text", "content", "message", "description", "comment", "review", "body"}

// ParseFormat normalises a user supplied format tag.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(value), "."))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatXML:
		return FormatXML, nil
	}
	return "", services.Wrap(services.ErrParse, "format", "parse format", fmt.Sprintf("unsupported format %q", value), nil)
}

// Extension returns the file extension used for artifacts of this format.
func (f Format) Extension() string {
	return "." + string(f)
}

// Field is one passthrough key/value pair, kept in source order.
type Field struct {
	Key   string
	Value string
}

// Unit is one record extracted from the input.
type Unit struct {
	ID          string
	Text        string
	Passthrough []Field
	Index       int
	Skipped     bool
}

// Warning records a per-record anomaly that did not stop decoding.
type Warning struct {
	UnitID  string
	Index   int
	Message string
}

// Document is the decoded form of one input file. The splice plan is private
// to the adapter that produced it.
type Document struct {
	Format   Format
	Raw      []byte
	Units    []Unit
	Warnings []Warning

	plan any
}

// Labelable returns the units that should be sent for classification.
func (d *Document) Labelable() []Unit {
	if d == nil {
		return nil
	}
	out := make([]Unit, 0, len(d.Units))
	for _, unit := range d.Units {
		if !unit.Skipped {
			out = append(out, unit)
		}
	}
	return out
}

// Adapter decodes and encodes one file format.
type Adapter interface {
	Format() Format
	Decode(data []byte) (*Document, error)
	// Encode splices labels (unit id -> label) into the original bytes. Units
	// missing from labels are left without a label value.
	Encode(doc *Document, labels map[string]string) ([]byte, error)
}

// Options tune record and field discovery.
type Options struct {
	LabelField string
	// RecordsKey names the JSON array holding records.
	RecordsKey string
	// TextKey names the JSON member holding the text.
	TextKey string
	// RecordTag forces the XML record element name.
	RecordTag string
}

func (o Options) withDefaults() Options {
	o.LabelField = strings.TrimSpace(o.LabelField)
	if o.LabelField == "" {
		o.LabelField = DefaultLabelField
	}
	o.RecordsKey = strings.TrimSpace(o.RecordsKey)
	if o.RecordsKey == "" {
		o.RecordsKey = "test_texts"
	}
	o.TextKey = strings.TrimSpace(o.TextKey)
	if o.TextKey == "" {
		o.TextKey = "content"
	}
	o.RecordTag = strings.TrimSpace(o.RecordTag)
	return o
}

// Registry maps format tags to adapters.
type Registry struct {
	adapters map[Format]Adapter
}

// NewRegistry builds the JSON, CSV and XML adapters with shared options.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{adapters: map[Format]Adapter{
		FormatJSON: NewJSONAdapter(opts),
		FormatCSV:  NewCSVAdapter(opts),
		FormatXML:  NewXMLAdapter(opts),
	}}
}

// Lookup returns the adapter for format.
func (r *Registry) Lookup(format Format) (Adapter, error) {
	if r != nil {
		if adapter, ok := r.adapters[format]; ok {
			return adapter, nil
		}
	}
	return nil, services.Wrap(services.ErrParse, "format", "lookup", fmt.Sprintf("no adapter for format %q", format), nil)
}

// Detect picks a format from the file name extension, falling back to
// sniffing the leading bytes.
func Detect(name string, data []byte) (Format, error) {
	if ext := filepath.Ext(strings.TrimSpace(name)); ext != "" {
		if format, err := ParseFormat(ext); err == nil {
			return format, nil
		}
	}
	body := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(body) == 0 {
		return "", services.Wrap(services.ErrParse, "format", "detect", "empty input", nil)
	}
	switch body[0] {
	case '{', '[':
		return FormatJSON, nil
	case '<':
		return FormatXML, nil
	}
	firstLine := body
	if idx := bytes.IndexByte(body, '\n'); idx >= 0 {
		firstLine = body[:idx]
	}
	if bytes.IndexByte(firstLine, ',') >= 0 {
		return FormatCSV, nil
	}
	return "", services.Wrap(services.ErrParse, "format", "detect", "cannot determine format from content", nil)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// idAllocator hands out unique unit ids, synthesizing one when the source id
// is missing or repeated.
type idAllocator struct {
	pattern string
	seen    map[string]struct{}
}

func newIDAllocator(pattern string) *idAllocator {
	return &idAllocator{pattern: pattern, seen: make(map[string]struct{})}
}

func (a *idAllocator) next(sourceID string, ordinal int) string {
	id := strings.TrimSpace(sourceID)
	if id == "" || a.taken(id) {
		id = fmt.Sprintf(a.pattern, ordinal)
		for n := 2; a.taken(id); n++ {
			id = fmt.Sprintf(a.pattern+"_%d", ordinal, n)
		}
	}
	a.seen[id] = struct{}{}
	return id
}

func (a *idAllocator) taken(id string) bool {
	_, ok := a.seen[id]
	return ok
}

func isTextCandidate(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, candidate := range textFieldCandidates {
		if name == candidate {
			return true
		}
	}
	return false
}

// splice is one replacement of data[start:end] with text. Insertions have
// start == end.
type splice struct {
	start int
	end   int
	text  []byte
}

// applySplices assumes edits are sorted by start and non-overlapping.
func applySplices(data []byte, edits []splice) []byte {
	if len(edits) == 0 {
		return bytes.Clone(data)
	}
	grow := 0
	for _, edit := range edits {
		grow += len(edit.text)
	}
	out := make([]byte, 0, len(data)+grow)
	cursor := 0
	for _, edit := range edits {
		out = append(out, data[cursor:edit.start]...)
		out = append(out, edit.text...)
		cursor = edit.end
	}
	return append(out, data[cursor:]...)
}

func parseError(op, message string, err error) error {
	return services.Wrap(services.ErrParse, "format", op, message, err)
}

func planError(format Format) error {
	return services.Wrap(services.ErrValidation, "format", "encode", fmt.Sprintf("document was not decoded by the %s adapter", format), nil)
}
