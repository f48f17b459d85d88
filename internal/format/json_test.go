package format_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/format"
	"labelflow/internal/services"
)

func TestJSONAddsLabelAfterLastMember(t *testing.T) {
	adapter := format.NewJSONAdapter(format.Options{})
	input := []byte(`{"test_texts":[{"id":"t1","content":"I love this phone"}]}`)

	doc, err := adapter.Decode(input)
	require.NoError(t, err)
	require.Len(t, doc.Units, 1)
	assert.Equal(t, "t1", doc.Units[0].ID)
	assert.Equal(t, "I love this phone", doc.Units[0].Text)
	assert.Equal(t, []format.Field{{Key: "id", Value: "t1"}}, doc.Units[0].Passthrough)

	out, err := adapter.Encode(doc, map[string]string{"t1": "product_review"})
	require.NoError(t, err)
	assert.Equal(t, `{"test_texts":[{"id":"t1","content":"I love this phone","ai_assigned_label":"product_review"}]}`, string(out))
}

func TestJSONMatchesIndentedLayout(t *testing.T) {
	adapter := format.NewJSONAdapter(format.Options{})
	input := "{\n  \"test_texts\": [\n    {\n      \"id\": \"a\",\n      \"content\": \"hello world\"\n    }\n  ]\n}\n"
	want := "{\n  \"test_texts\": [\n    {\n      \"id\": \"a\",\n      \"content\": \"hello world\",\n      \"ai_assigned_label\": \"news\"\n    }\n  ]\n}\n"

	doc, err := adapter.Decode([]byte(input))
	require.NoError(t, err)
	out, err := adapter.Encode(doc, map[string]string{"a": "news"})
	require.NoError(t, err)
	assert.Equal(t, want, string(out))
}

func TestJSONRecordDiscovery(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		labels map[string]string
		want   string
	}{
		{
			name:   "top-level array with synthesized id",
			input:  `[{"content":"hi there"}]`,
			labels: map[string]string{"text_001": "greeting"},
			want:   `[{"content":"hi there","ai_assigned_label":"greeting"}]`,
		},
		{
			name:   "first array of objects with text key fallback",
			input:  `{"meta":{"v":1},"data":[{"text":"hello","n":2}]}`,
			labels: map[string]string{"text_001": "x"},
			want:   `{"meta":{"v":1},"data":[{"text":"hello","n":2,"ai_assigned_label":"x"}]}`,
		},
		{
			name:   "existing label overwritten in place",
			input:  `{"test_texts":[{"id":"1","ai_assigned_label":"old","content":"a b"}]}`,
			labels: map[string]string{"1": "new"},
			want:   `{"test_texts":[{"id":"1","ai_assigned_label":"new","content":"a b"}]}`,
		},
		{
			name:   "spaced inline object",
			input:  `{"test_texts": [{ "content": "x y" }]}`,
			labels: map[string]string{"text_001": "n"},
			want:   `{"test_texts": [{ "content": "x y", "ai_assigned_label": "n" }]}`,
		},
		{
			name:   "numeric id and html characters",
			input:  `{"test_texts":[{"id":7,"content":"<b>bold</b>"}]}`,
			labels: map[string]string{"7": "a&b"},
			want:   `{"test_texts":[{"id":7,"content":"<b>bold</b>","ai_assigned_label":"a&b"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := format.NewJSONAdapter(format.Options{})
			doc, err := adapter.Decode([]byte(tt.input))
			require.NoError(t, err)
			out, err := adapter.Encode(doc, tt.labels)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestJSONRoundTripAndIdempotence(t *testing.T) {
	inputs := []string{
		`{"test_texts":[{"id":"t1","content":"I love this phone"},{"id":"t2","content":"Rates rise","extra":{"k":[1,2]}}]}`,
		"\xEF\xBB\xBF[ {\"content\" : \"spaced\\u00e9\"} ,\n {\"content\":\"\"} ]",
		"{\n\t\"test_texts\": []\n}",
	}
	adapter := format.NewJSONAdapter(format.Options{})
	for _, input := range inputs {
		doc, err := adapter.Decode([]byte(input))
		require.NoError(t, err)

		out, err := adapter.Encode(doc, nil)
		require.NoError(t, err)
		assert.Equal(t, input, string(out))

		labels := map[string]string{}
		for _, unit := range doc.Labelable() {
			labels[unit.ID] = "label"
		}
		first, err := adapter.Encode(doc, labels)
		require.NoError(t, err)
		second, err := adapter.Encode(doc, labels)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestJSONSkipsRecordsWithoutText(t *testing.T) {
	adapter := format.NewJSONAdapter(format.Options{})
	doc, err := adapter.Decode([]byte(`{"test_texts":[{"id":"a","content":"   "},"plain",{"id":"a","content":"dup id"}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Units, 3)

	assert.True(t, doc.Units[0].Skipped)
	assert.True(t, doc.Units[1].Skipped)
	assert.False(t, doc.Units[2].Skipped)
	assert.Equal(t, "text_003", doc.Units[2].ID, "duplicate source ids fall back to a synthesized id")
	require.Len(t, doc.Warnings, 2)
	assert.Equal(t, "a", doc.Warnings[0].UnitID)
	assert.Len(t, doc.Labelable(), 1)
}

func TestJSONCustomKeys(t *testing.T) {
	adapter := format.NewJSONAdapter(format.Options{RecordsKey: "rows", TextKey: "body", LabelField: "tag"})
	doc, err := adapter.Decode([]byte(`{"rows":[{"body":"hello","content":"ignored"}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Units, 1)
	assert.Equal(t, "hello", doc.Units[0].Text)

	out, err := adapter.Encode(doc, map[string]string{"text_001": "t"})
	require.NoError(t, err)
	assert.Equal(t, `{"rows":[{"body":"hello","content":"ignored","tag":"t"}]}`, string(out))
}

func TestJSONParseErrors(t *testing.T) {
	adapter := format.NewJSONAdapter(format.Options{})
	for _, input := range []string{`{"test_texts":[`, `{"a":1}`, `"just a string"`, ``} {
		_, err := adapter.Decode([]byte(input))
		require.Error(t, err, input)
		assert.ErrorIs(t, err, services.ErrParse, input)
	}
}

func TestEncodeRejectsForeignDocument(t *testing.T) {
	csvDoc, err := format.NewCSVAdapter(format.Options{}).Decode([]byte("id,text\n1,hello\n"))
	require.NoError(t, err)
	_, err = format.NewJSONAdapter(format.Options{}).Encode(csvDoc, nil)
	assert.ErrorIs(t, err, services.ErrValidation)
}
