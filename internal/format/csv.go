package format

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const csvSampleRows = 5

// CSVAdapter labels rows by appending a trailing column.
type CSVAdapter struct {
	opts Options
}

// NewCSVAdapter constructs the CSV adapter.
func NewCSVAdapter(opts Options) *CSVAdapter {
	return &CSVAdapter{opts: opts.withDefaults()}
}

func (a *CSVAdapter) Format() Format { return FormatCSV }

// csvLine is one physical record: content excludes the terminator.
type csvLine struct {
	start      int
	end        int
	terminator string
}

func (l csvLine) blank() bool {
	return l.end == l.start
}

type csvPlan struct {
	lines  []csvLine
	header int
	// rowUnit maps a line index to its unit id; blank lines are absent.
	rowUnit map[int]string
}

func (a *CSVAdapter) Decode(data []byte) (*Document, error) {
	body := 0
	if bytes.HasPrefix(data, utf8BOM) {
		body = len(utf8BOM)
	}
	lines, err := scanCSVLines(data, body)
	if err != nil {
		return nil, parseError("csv decode", "scan rows", err)
	}

	plan := &csvPlan{header: -1, lines: lines, rowUnit: make(map[int]string)}
	var header []string
	type row struct {
		line   int
		fields []string
	}
	var rows []row
	for i, line := range lines {
		if line.blank() {
			continue
		}
		fields, err := readCSVRecord(data[line.start:line.end])
		if err != nil {
			return nil, parseError("csv decode", fmt.Sprintf("row %d", i+1), err)
		}
		if plan.header < 0 {
			plan.header = i
			header = fields
			continue
		}
		rows = append(rows, row{line: i, fields: fields})
	}
	if plan.header < 0 {
		return nil, parseError("csv decode", "no header row", nil)
	}

	sample := make([][]string, 0, csvSampleRows)
	for i := 0; i < len(rows) && i < csvSampleRows; i++ {
		sample = append(sample, rows[i].fields)
	}
	textCol := -1
	if len(rows) > 0 {
		textCol, err = detectTextColumn(header, sample)
		if err != nil {
			return nil, err
		}
	}
	idCol := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "id") {
			idCol = i
			break
		}
	}

	doc := &Document{Format: FormatCSV, Raw: data}
	ids := newIDAllocator("csv_text_%03d")
	for i, r := range rows {
		var sourceID, text string
		if idCol >= 0 && idCol < len(r.fields) {
			sourceID = r.fields[idCol]
		}
		if textCol < len(r.fields) {
			text = r.fields[textCol]
		}
		unit := Unit{ID: ids.next(sourceID, i+1), Text: text, Index: i}
		for col, value := range r.fields {
			if col == textCol {
				continue
			}
			unit.Passthrough = append(unit.Passthrough, Field{Key: columnName(header, col), Value: value})
		}
		if strings.TrimSpace(text) == "" {
			unit.Skipped = true
			doc.Warnings = append(doc.Warnings, Warning{UnitID: unit.ID, Index: i, Message: "row has no text value"})
		}
		plan.rowUnit[r.line] = unit.ID
		doc.Units = append(doc.Units, unit)
	}
	doc.plan = plan
	return doc, nil
}

// detectTextColumn prefers the candidate column with the longest average
// value over the sample; ties go to the left-most column.
func detectTextColumn(header []string, sample [][]string) (int, error) {
	best, bestAvg := -1, -1.0
	for col, name := range header {
		if !isTextCandidate(name) {
			continue
		}
		if avg := averageLength(sample, col); avg > bestAvg {
			best, bestAvg = col, avg
		}
	}
	if best >= 0 {
		return best, nil
	}
	for col := range header {
		if averageLength(sample, col) > 10 {
			return col, nil
		}
	}
	return -1, parseError("csv decode", "no text column found", nil)
}

func averageLength(rows [][]string, col int) float64 {
	if len(rows) == 0 {
		return 0
	}
	total := 0
	for _, fields := range rows {
		if col < len(fields) {
			total += utf8.RuneCountInString(strings.TrimSpace(fields[col]))
		}
	}
	return float64(total) / float64(len(rows))
}

func columnName(header []string, col int) string {
	if col < len(header) {
		return header[col]
	}
	return fmt.Sprintf("column_%d", col+1)
}

func (a *CSVAdapter) Encode(doc *Document, labels map[string]string) ([]byte, error) {
	if doc == nil {
		return nil, planError(FormatCSV)
	}
	plan, ok := doc.plan.(*csvPlan)
	if !ok {
		return nil, planError(FormatCSV)
	}
	data := doc.Raw
	headerCell, err := csvCell(a.opts.LabelField)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(len(data) + len(plan.lines)*8)
	cursor := 0
	for i, line := range plan.lines {
		var cell string
		switch {
		case i == plan.header:
			cell = headerCell
		default:
			id, ok := plan.rowUnit[i]
			if !ok {
				continue
			}
			if cell, err = csvCell(labels[id]); err != nil {
				return nil, err
			}
		}
		out.Write(data[cursor:line.end])
		out.WriteByte(',')
		out.WriteString(cell)
		cursor = line.end
	}
	out.Write(data[cursor:])
	return out.Bytes(), nil
}

// csvCell quotes value the way encoding/csv would for a single field.
func csvCell(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{value}); err != nil {
		return "", fmt.Errorf("encode csv cell: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("encode csv cell: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func readCSVRecord(content []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err == io.EOF {
		return []string{""}, nil
	}
	return fields, err
}

// scanCSVLines splits data into records, keeping newlines inside quoted
// fields with their record. A quote only opens a quoted field at the start of
// the field; elsewhere it is literal, as with csv.Reader's LazyQuotes.
func scanCSVLines(data []byte, from int) ([]csvLine, error) {
	var lines []csvLine
	start := from
	inQuotes := false
	fieldStart := true
	for i := from; i < len(data); i++ {
		c := data[i]
		if inQuotes {
			if c == '"' {
				if i+1 < len(data) && data[i+1] == '"' {
					i++
					continue
				}
				inQuotes = false
			}
			continue
		}
		switch c {
		case '"':
			if fieldStart {
				inQuotes = true
			}
			fieldStart = false
		case ',':
			fieldStart = true
		case '\n':
			end, term := i, "\n"
			if i > start && data[i-1] == '\r' {
				end, term = i-1, "\r\n"
			}
			lines = append(lines, csvLine{start: start, end: end, terminator: term})
			start = i + 1
			fieldStart = true
		default:
			fieldStart = false
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted field starting in record %d", len(lines)+1)
	}
	if start < len(data) {
		lines = append(lines, csvLine{start: start, end: len(data)})
	}
	return lines, nil
}
