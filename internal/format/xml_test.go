package format_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/format"
	"labelflow/internal/services"
)

const xmlScenario = `<?xml version="1.0" encoding="UTF-8"?>
<texts>
  <text id="t1"><content>Market rally continues</content></text>
  <text id="t2" lang="en"><content>Best pizza in town</content><source>web</source></text>
</texts>
`

func TestXMLDetectsRecordsAndAddsAttribute(t *testing.T) {
	adapter := format.NewXMLAdapter(format.Options{})
	doc, err := adapter.Decode([]byte(xmlScenario))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, "t1", doc.Units[0].ID)
	assert.Equal(t, "Market rally continues", doc.Units[0].Text)
	assert.Equal(t, []format.Field{{Key: "id", Value: "t2"}, {Key: "lang", Value: "en"}, {Key: "source", Value: "web"}}, doc.Units[1].Passthrough)

	out, err := adapter.Encode(doc, map[string]string{"t2": "review"})
	require.NoError(t, err)
	want := `<?xml version="1.0" encoding="UTF-8"?>
<texts>
  <text id="t1"><content>Market rally continues</content></text>
  <text id="t2" lang="en" ai_assigned_label="review"><content>Best pizza in town</content><source>web</source></text>
</texts>
`
	assert.Equal(t, want, string(out))
}

func TestXMLRoundTripAndIdempotence(t *testing.T) {
	inputs := []string{
		xmlScenario,
		"<items>\n\t<item id=\"a\" text=\"hello\" />\n\t<!-- note -->\n\t<item id=\"b\"><![CDATA[raw <text>]]></item>\n</items>",
		`<root><entry>First &amp; only</entry></root>`,
	}
	adapter := format.NewXMLAdapter(format.Options{})
	for _, input := range inputs {
		doc, err := adapter.Decode([]byte(input))
		require.NoError(t, err, input)

		out, err := adapter.Encode(doc, map[string]string{})
		require.NoError(t, err)
		assert.Equal(t, input, string(out))

		labels := map[string]string{}
		for _, unit := range doc.Labelable() {
			labels[unit.ID] = "x"
		}
		first, err := adapter.Encode(doc, labels)
		require.NoError(t, err)
		second, err := adapter.Encode(doc, labels)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestXMLSelfClosingAndAttributeText(t *testing.T) {
	adapter := format.NewXMLAdapter(format.Options{})
	doc, err := adapter.Decode([]byte(`<items><item id="a" text="hello" /><item id="b"/></items>`))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, "hello", doc.Units[0].Text)
	assert.True(t, doc.Units[1].Skipped)
	require.Len(t, doc.Warnings, 1)
	assert.Equal(t, "b", doc.Warnings[0].UnitID)

	out, err := adapter.Encode(doc, map[string]string{"a": "greeting"})
	require.NoError(t, err)
	assert.Equal(t, `<items><item id="a" text="hello" ai_assigned_label="greeting" /><item id="b"/></items>`, string(out))
}

func TestXMLReplacesExistingAttributeAndEscapes(t *testing.T) {
	adapter := format.NewXMLAdapter(format.Options{})
	doc, err := adapter.Decode([]byte(`<root><entry ai_assigned_label='old'>Some text here</entry></root>`))
	require.NoError(t, err)
	require.Len(t, doc.Units, 1)
	assert.Equal(t, "xml_text_001", doc.Units[0].ID)
	assert.Empty(t, doc.Units[0].Passthrough)

	out, err := adapter.Encode(doc, map[string]string{"xml_text_001": `a&b"c'd`})
	require.NoError(t, err)
	assert.Equal(t, `<root><entry ai_assigned_label='a&amp;b"c&apos;d'>Some text here</entry></root>`, string(out))
}

func TestXMLInsertedAttributeEscapesOnlyMarkup(t *testing.T) {
	adapter := format.NewXMLAdapter(format.Options{})
	doc, err := adapter.Decode([]byte(`<root><entry>Some text here</entry></root>`))
	require.NoError(t, err)
	require.Len(t, doc.Units, 1)

	out, err := adapter.Encode(doc, map[string]string{doc.Units[0].ID: "R&D <lab>\t\"x\" it's"})
	require.NoError(t, err)
	assert.Equal(t, "<root><entry ai_assigned_label=\"R&amp;D &lt;lab>\t&quot;x&quot; it's\">Some text here</entry></root>", string(out))
}

func TestXMLConfiguredAndStructuralRecordTags(t *testing.T) {
	input := `<rows><row><message>hi</message></row><row><message>yo</message></row></rows>`

	doc, err := format.NewXMLAdapter(format.Options{RecordTag: "row"}).Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, "yo", doc.Units[1].Text)

	doc, err = format.NewXMLAdapter(format.Options{}).Decode([]byte(`<dataset><record><title>A</title><body>first</body></record><record><title>B</title><body>second</body></record></dataset>`))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2, "record elements wrap the body text")
	assert.Equal(t, "second", doc.Units[1].Text)
	assert.Equal(t, []format.Field{{Key: "title", Value: "B"}}, doc.Units[1].Passthrough)
}

func TestXMLSingleRootRecord(t *testing.T) {
	input := `<text id="t1"><content>Breaking news</content></text>`
	adapter := format.NewXMLAdapter(format.Options{})
	doc, err := adapter.Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, doc.Units, 1)
	assert.Equal(t, "t1", doc.Units[0].ID)

	out, err := adapter.Encode(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, input, string(out), "unlabeled record keeps its markup")
}

func TestXMLParseErrors(t *testing.T) {
	inputs := []string{
		`<texts><text>unclosed</texts>`,
		`not xml at all`,
		`<root><a>1</a></root>`,
	}
	for _, input := range inputs {
		_, err := format.NewXMLAdapter(format.Options{}).Decode([]byte(input))
		require.Error(t, err, input)
		assert.ErrorIs(t, err, services.ErrParse, input)
	}
	_, err := format.NewXMLAdapter(format.Options{RecordTag: "missing"}).Decode([]byte(xmlScenario))
	assert.ErrorIs(t, err, services.ErrParse)
}
