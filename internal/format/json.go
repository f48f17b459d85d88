package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JSONAdapter labels objects inside a records array.
type JSONAdapter struct {
	opts Options
}

// NewJSONAdapter constructs the JSON adapter.
func NewJSONAdapter(opts Options) *JSONAdapter {
	return &JSONAdapter{opts: opts.withDefaults()}
}

func (a *JSONAdapter) Format() Format { return FormatJSON }

type jsonRecordPlan struct {
	unitID string
	// insertAt is where a new member is spliced in; prefix/sep reproduce the
	// object's layout.
	insertAt int
	prefix   string
	sep      string
	// labelValue spans an existing label member's value, or is nil.
	labelValue *jsonNode
}

type jsonPlan struct {
	records []jsonRecordPlan
}

func (a *JSONAdapter) Decode(data []byte) (*Document, error) {
	start := 0
	if bytes.HasPrefix(data, utf8BOM) {
		start = len(utf8BOM)
	}
	if !json.Valid(data[start:]) {
		return nil, parseError("json decode", "input is not valid JSON", nil)
	}
	sc := &jsonScanner{data: data, pos: start}
	root, err := sc.value()
	if err != nil {
		return nil, parseError("json decode", "scan document", err)
	}

	records := a.locateRecords(root)
	if records == nil {
		return nil, parseError("json decode", fmt.Sprintf("no record array found (looked for %q)", a.opts.RecordsKey), nil)
	}

	doc := &Document{Format: FormatJSON, Raw: data}
	plan := &jsonPlan{}
	ids := newIDAllocator("text_%03d")
	for i, elem := range records.elems {
		ordinal := i + 1
		if elem.kind != '{' {
			id := ids.next("", ordinal)
			doc.Units = append(doc.Units, Unit{ID: id, Index: i, Skipped: true})
			doc.Warnings = append(doc.Warnings, Warning{UnitID: id, Index: i, Message: "record is not an object"})
			continue
		}
		unit, rec := a.decodeRecord(data, elem, i, ids)
		if unit.Skipped {
			doc.Warnings = append(doc.Warnings, Warning{UnitID: unit.ID, Index: i, Message: "record has no text value"})
		}
		doc.Units = append(doc.Units, unit)
		plan.records = append(plan.records, rec)
	}
	doc.plan = plan
	return doc, nil
}

func (a *JSONAdapter) locateRecords(root *jsonNode) *jsonNode {
	switch root.kind {
	case '[':
		return root
	case '{':
		if member := root.member(a.opts.RecordsKey); member != nil && member.value.kind == '[' {
			return member.value
		}
		for i := range root.members {
			value := root.members[i].value
			if value.kind != '[' {
				continue
			}
			for _, elem := range value.elems {
				if elem.kind == '{' {
					return value
				}
			}
		}
	}
	return nil
}

func (a *JSONAdapter) decodeRecord(data []byte, obj *jsonNode, index int, ids *idAllocator) (Unit, jsonRecordPlan) {
	var text, sourceID string
	textKey := ""
	for _, key := range []string{a.opts.TextKey, "content", "text"} {
		if member := obj.member(key); member != nil {
			if s, ok := member.value.stringValue(data); ok && strings.TrimSpace(s) != "" {
				text = s
				textKey = key
				break
			}
		}
	}
	if member := obj.member("id"); member != nil {
		if s, ok := member.value.stringValue(data); ok {
			sourceID = s
		} else if member.value.kind == 'n' {
			sourceID = string(member.value.raw(data))
		}
	}

	unit := Unit{ID: ids.next(sourceID, index+1), Text: text, Index: index, Skipped: textKey == ""}
	for _, member := range obj.members {
		if member.key == textKey || member.key == a.opts.LabelField {
			continue
		}
		value, ok := member.value.stringValue(data)
		if !ok {
			value = string(member.value.raw(data))
		}
		unit.Passthrough = append(unit.Passthrough, Field{Key: member.key, Value: value})
	}

	rec := jsonRecordPlan{unitID: unit.ID}
	if member := obj.member(a.opts.LabelField); member != nil {
		rec.labelValue = member.value
		return unit, rec
	}
	rec.insertAt, rec.prefix, rec.sep = insertionLayout(data, obj)
	return unit, rec
}

// insertionLayout mirrors the separator and indentation of the object's last
// member so a new member looks like it was always there.
func insertionLayout(data []byte, obj *jsonNode) (int, string, string) {
	if len(obj.members) == 0 {
		return obj.start + 1, "", ":"
	}
	last := obj.members[len(obj.members)-1]
	sep := string(data[last.keyEnd:last.value.start])
	var gap string
	if len(obj.members) > 1 {
		prev := obj.members[len(obj.members)-2]
		gap = string(data[prev.value.end:last.keyStart])
	} else {
		ws := string(data[obj.start+1 : last.keyStart])
		switch {
		case strings.ContainsAny(ws, "\r\n"):
			gap = "," + ws
		case ws != "":
			gap = ", "
		default:
			gap = ","
		}
	}
	return last.value.end, gap, sep
}

func (a *JSONAdapter) Encode(doc *Document, labels map[string]string) ([]byte, error) {
	if doc == nil {
		return nil, planError(FormatJSON)
	}
	plan, ok := doc.plan.(*jsonPlan)
	if !ok {
		return nil, planError(FormatJSON)
	}
	key, err := marshalJSONString(a.opts.LabelField)
	if err != nil {
		return nil, err
	}
	edits := make([]splice, 0, len(labels))
	for _, rec := range plan.records {
		label, ok := labels[rec.unitID]
		if !ok {
			continue
		}
		value, err := marshalJSONString(label)
		if err != nil {
			return nil, err
		}
		if rec.labelValue != nil {
			edits = append(edits, splice{start: rec.labelValue.start, end: rec.labelValue.end, text: value})
			continue
		}
		member := rec.prefix + string(key) + rec.sep + string(value)
		edits = append(edits, splice{start: rec.insertAt, end: rec.insertAt, text: []byte(member)})
	}
	return applySplices(doc.Raw, edits), nil
}

func marshalJSONString(value string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("encode json string: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// jsonNode is a value with its byte span. kind is the opening byte for
// objects, arrays and strings, 'n' for numbers and 'l' for literals.
type jsonNode struct {
	kind    byte
	start   int
	end     int
	members []jsonMember
	elems   []*jsonNode
}

type jsonMember struct {
	key      string
	keyStart int
	keyEnd   int
	value    *jsonNode
}

// member returns the last member named key, matching how decoders resolve
// duplicate keys.
func (n *jsonNode) member(key string) *jsonMember {
	for i := len(n.members) - 1; i >= 0; i-- {
		if n.members[i].key == key {
			return &n.members[i]
		}
	}
	return nil
}

func (n *jsonNode) raw(data []byte) []byte {
	return data[n.start:n.end]
}

func (n *jsonNode) stringValue(data []byte) (string, bool) {
	if n.kind != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(n.raw(data), &s); err != nil {
		return "", false
	}
	return s, true
}

// jsonScanner walks input that json.Valid has already accepted, recording
// the byte span of every value.
type jsonScanner struct {
	data []byte
	pos  int
}

func (s *jsonScanner) skipSpace() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		default:
			return
		}
	}
}

func (s *jsonScanner) value() (*jsonNode, error) {
	s.skipSpace()
	if s.pos >= len(s.data) {
		return nil, fmt.Errorf("unexpected end of input at %d", s.pos)
	}
	switch c := s.data[s.pos]; {
	case c == '{':
		return s.object()
	case c == '[':
		return s.array()
	case c == '"':
		start := s.pos
		if err := s.skipString(); err != nil {
			return nil, err
		}
		return &jsonNode{kind: '"', start: start, end: s.pos}, nil
	case c == '-' || (c >= '0' && c <= '9'):
		start := s.pos
		for s.pos < len(s.data) && strings.IndexByte("+-0123456789.eE", s.data[s.pos]) >= 0 {
			s.pos++
		}
		return &jsonNode{kind: 'n', start: start, end: s.pos}, nil
	default:
		start := s.pos
		for s.pos < len(s.data) && s.data[s.pos] >= 'a' && s.data[s.pos] <= 'z' {
			s.pos++
		}
		if s.pos == start {
			return nil, fmt.Errorf("unexpected byte %q at %d", c, start)
		}
		return &jsonNode{kind: 'l', start: start, end: s.pos}, nil
	}
}

func (s *jsonScanner) skipString() error {
	s.pos++ // opening quote
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case '\\':
			s.pos += 2
		case '"':
			s.pos++
			return nil
		default:
			s.pos++
		}
	}
	return fmt.Errorf("unterminated string")
}

func (s *jsonScanner) object() (*jsonNode, error) {
	node := &jsonNode{kind: '{', start: s.pos}
	s.pos++
	for {
		s.skipSpace()
		if s.pos >= len(s.data) {
			return nil, fmt.Errorf("unterminated object at %d", node.start)
		}
		switch s.data[s.pos] {
		case '}':
			s.pos++
			node.end = s.pos
			return node, nil
		case ',':
			s.pos++
			continue
		}
		keyStart := s.pos
		if err := s.skipString(); err != nil {
			return nil, err
		}
		var key string
		if err := json.Unmarshal(s.data[keyStart:s.pos], &key); err != nil {
			return nil, fmt.Errorf("object key at %d: %w", keyStart, err)
		}
		keyEnd := s.pos
		s.skipSpace()
		s.pos++ // colon
		value, err := s.value()
		if err != nil {
			return nil, err
		}
		node.members = append(node.members, jsonMember{key: key, keyStart: keyStart, keyEnd: keyEnd, value: value})
	}
}

func (s *jsonScanner) array() (*jsonNode, error) {
	node := &jsonNode{kind: '[', start: s.pos}
	s.pos++
	for {
		s.skipSpace()
		if s.pos >= len(s.data) {
			return nil, fmt.Errorf("unterminated array at %d", node.start)
		}
		switch s.data[s.pos] {
		case ']':
			s.pos++
			node.end = s.pos
			return node, nil
		case ',':
			s.pos++
			continue
		}
		elem, err := s.value()
		if err != nil {
			return nil, err
		}
		node.elems = append(node.elems, elem)
	}
}
