package format

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/clbanning/mxj/v2"
)

// recordTagCandidates are element names that usually wrap one record.
var recordTagCandidates = append(append([]string{}, textFieldCandidates...), "item", "entry")

// XMLAdapter labels record elements by adding an attribute to their start tag.
type XMLAdapter struct {
	opts      Options
	attrMatch *regexp.Regexp
}

// NewXMLAdapter constructs the XML adapter.
func NewXMLAdapter(opts Options) *XMLAdapter {
	opts = opts.withDefaults()
	return &XMLAdapter{
		opts:      opts,
		attrMatch: regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(opts.LabelField) + `\s*=\s*("[^"]*"|'[^']*')`),
	}
}

func (a *XMLAdapter) Format() Format { return FormatXML }

type xmlRecordPlan struct {
	unitID string
	// insertAt precedes the start tag's closing '>' or '/>'.
	insertAt int
	// valueStart/valueEnd span an existing label attribute value without its
	// quotes; valueEnd is zero when absent.
	valueStart int
	valueEnd   int
}

type xmlPlan struct {
	tag     string
	records []xmlRecordPlan
}

type xmlChild struct {
	name string
	text strings.Builder
}

type xmlRecord struct {
	tagStart int
	tagEnd   int
	attrs    []xml.Attr
	own      strings.Builder
	children []*xmlChild
	current  *xmlChild
	depth    int
}

func (a *XMLAdapter) Decode(data []byte) (*Document, error) {
	tag := a.opts.RecordTag
	if tag == "" {
		detected, err := detectRecordTag(data)
		if err != nil {
			return nil, err
		}
		tag = detected
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = xml.HTMLEntity

	doc := &Document{Format: FormatXML, Raw: data}
	plan := &xmlPlan{tag: tag}
	ids := newIDAllocator("xml_text_%03d")
	depth := 0
	var rec *xmlRecord
	for {
		before := int(dec.InputOffset())
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseError("xml decode", "tokenize", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case rec == nil && t.Name.Local == tag:
				start := before
				if idx := bytes.IndexByte(data[before:], '<'); idx >= 0 {
					start = before + idx
				}
				rec = &xmlRecord{tagStart: start, tagEnd: int(dec.InputOffset()), attrs: t.Attr, depth: depth}
			case rec != nil && depth == rec.depth+1:
				rec.current = &xmlChild{name: qualifiedName(t.Name)}
				rec.children = append(rec.children, rec.current)
			}
		case xml.CharData:
			if rec == nil {
				continue
			}
			if depth == rec.depth {
				rec.own.Write(t)
			} else if rec.current != nil {
				rec.current.text.Write(t)
			}
		case xml.EndElement:
			if rec != nil {
				switch depth {
				case rec.depth + 1:
					rec.current = nil
				case rec.depth:
					index := len(doc.Units)
					unit, recPlan := a.finishRecord(data, rec, index, ids)
					if unit.Skipped {
						doc.Warnings = append(doc.Warnings, Warning{UnitID: unit.ID, Index: index, Message: "record has no text value"})
					}
					doc.Units = append(doc.Units, unit)
					plan.records = append(plan.records, recPlan)
					rec = nil
				}
			}
			depth--
		}
	}
	if len(plan.records) == 0 {
		return nil, parseError("xml decode", fmt.Sprintf("no <%s> records found", tag), nil)
	}
	doc.plan = plan
	return doc, nil
}

func (a *XMLAdapter) finishRecord(data []byte, rec *xmlRecord, index int, ids *idAllocator) (Unit, xmlRecordPlan) {
	var sourceID string
	unit := Unit{Index: index}
	for _, attr := range rec.attrs {
		name := qualifiedName(attr.Name)
		if name == a.opts.LabelField {
			continue
		}
		if attr.Name.Local == "id" && sourceID == "" {
			sourceID = attr.Value
		}
		unit.Passthrough = append(unit.Passthrough, Field{Key: name, Value: attr.Value})
	}

	textChild := -1
	unit.Text = strings.TrimSpace(rec.own.String())
	if unit.Text == "" {
		for i, child := range rec.children {
			if isTextCandidate(child.name) && strings.TrimSpace(child.text.String()) != "" {
				textChild = i
				unit.Text = strings.TrimSpace(child.text.String())
				break
			}
		}
	}
	if unit.Text == "" {
		for _, attr := range rec.attrs {
			if isTextCandidate(attr.Name.Local) && strings.TrimSpace(attr.Value) != "" {
				unit.Text = strings.TrimSpace(attr.Value)
				break
			}
		}
	}
	for i, child := range rec.children {
		if i == textChild {
			continue
		}
		value := strings.TrimSpace(child.text.String())
		if child.name == "id" && sourceID == "" {
			sourceID = value
		}
		unit.Passthrough = append(unit.Passthrough, Field{Key: child.name, Value: value})
	}
	unit.ID = ids.next(sourceID, index+1)
	unit.Skipped = unit.Text == ""

	recPlan := xmlRecordPlan{unitID: unit.ID}
	startTag := data[rec.tagStart:rec.tagEnd]
	if m := a.attrMatch.FindSubmatchIndex(startTag); m != nil {
		recPlan.valueStart = rec.tagStart + m[2] + 1
		recPlan.valueEnd = rec.tagStart + m[3] - 1
		return unit, recPlan
	}
	closeLen := 1
	if bytes.HasSuffix(startTag, []byte("/>")) {
		closeLen = 2
	}
	pos := rec.tagEnd - closeLen
	for pos > rec.tagStart && isXMLSpace(data[pos-1]) {
		pos--
	}
	recPlan.insertAt = pos
	return unit, recPlan
}

func (a *XMLAdapter) Encode(doc *Document, labels map[string]string) ([]byte, error) {
	if doc == nil {
		return nil, planError(FormatXML)
	}
	plan, ok := doc.plan.(*xmlPlan)
	if !ok {
		return nil, planError(FormatXML)
	}
	edits := make([]splice, 0, len(labels))
	for _, rec := range plan.records {
		label, ok := labels[rec.unitID]
		if !ok {
			continue
		}
		if rec.valueEnd > 0 {
			escaped := escapeAttr(label, doc.Raw[rec.valueStart-1])
			edits = append(edits, splice{start: rec.valueStart, end: rec.valueEnd, text: []byte(escaped)})
			continue
		}
		attr := fmt.Sprintf(` %s="%s"`, a.opts.LabelField, escapeAttr(label, '"'))
		edits = append(edits, splice{start: rec.insertAt, end: rec.insertAt, text: []byte(attr)})
	}
	return applySplices(doc.Raw, edits), nil
}

func qualifiedName(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + ":" + name.Local
}

func isXMLSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

type tagStat struct {
	name     string
	count    int
	depth    int
	withText int
	ownText  int
}

// detectRecordTag inspects the element tree and picks the element that
// represents one record: the shallower of the best known record name and the
// most repeated element carrying a text field, preferring the known name.
func detectRecordTag(data []byte) (string, error) {
	mv, err := mxj.NewMapXml(data)
	if err != nil {
		return "", parseError("xml decode", "parse element tree", err)
	}
	stats := make(map[string]*tagStat)
	for name, value := range mv {
		collectTagStats(name, value, 0, stats)
	}

	named := bestNamedTag(stats)
	structural := bestStructuralTag(stats)
	switch {
	case named == nil && structural == nil:
		return "", parseError("xml decode", "no record elements with a text field found", nil)
	case named == nil:
		return structural.name, nil
	case structural != nil && structural.depth < named.depth:
		return structural.name, nil
	default:
		return named.name, nil
	}
}

func bestNamedTag(stats map[string]*tagStat) *tagStat {
	var named []*tagStat
	for _, candidate := range recordTagCandidates {
		st, ok := stats[candidate]
		if !ok || st.count == 0 {
			continue
		}
		// The document element only counts when it carries text itself.
		if st.depth == 0 && st.withText == 0 && st.ownText == 0 {
			continue
		}
		named = append(named, st)
	}
	if len(named) == 0 {
		return nil
	}
	sort.SliceStable(named, func(i, j int) bool {
		a, b := named[i], named[j]
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.count > b.count
	})
	return named[0]
}

func bestStructuralTag(stats map[string]*tagStat) *tagStat {
	var structural []*tagStat
	for _, st := range stats {
		if st.withText > 0 {
			structural = append(structural, st)
		}
	}
	if len(structural) == 0 {
		return nil
	}
	sort.Slice(structural, func(i, j int) bool {
		a, b := structural[i], structural[j]
		if a.withText != b.withText {
			return a.withText > b.withText
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.name < b.name
	})
	return structural[0]
}

func collectTagStats(name string, value any, depth int, stats map[string]*tagStat) {
	if idx := strings.LastIndexByte(name, ':'); idx >= 0 {
		name = name[idx+1:]
	}
	if items, ok := value.([]any); ok {
		for _, item := range items {
			collectTagStats(name, item, depth, stats)
		}
		return
	}
	st, ok := stats[name]
	if !ok {
		st = &tagStat{name: name, depth: depth}
		stats[name] = st
	}
	st.count++
	if depth < st.depth {
		st.depth = depth
	}
	children, ok := value.(map[string]any)
	if !ok {
		if text, isString := value.(string); isString && strings.TrimSpace(text) != "" {
			st.ownText++
		}
		return
	}
	if text, isString := children["#text"].(string); isString && strings.TrimSpace(text) != "" {
		st.ownText++
	}
	if hasTextField(children) {
		st.withText++
	}
	for key, child := range children {
		if strings.HasPrefix(key, "-") || key == "#text" {
			continue
		}
		collectTagStats(key, child, depth+1, stats)
	}
}

func hasTextField(children map[string]any) bool {
	for key := range children {
		if isTextCandidate(strings.TrimPrefix(key, "-")) {
			return true
		}
	}
	return false
}

var (
	doubleQuotedAttr = strings.NewReplacer("&", "&amp;", "<", "&lt;", `"`, "&quot;")
	singleQuotedAttr = strings.NewReplacer("&", "&amp;", "<", "&lt;", "'", "&apos;")
)

// escapeAttr escapes value for an attribute delimited by quote.
func escapeAttr(value string, quote byte) string {
	if quote == '\'' {
		return singleQuotedAttr.Replace(value)
	}
	return doubleQuotedAttr.Replace(value)
}
