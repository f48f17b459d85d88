package format_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/format"
	"labelflow/internal/services"
)

func TestCSVAppendsColumnWithPlaceholderForUnlabeledRows(t *testing.T) {
	adapter := format.NewCSVAdapter(format.Options{})
	input := "id,content,category\n1,I love this phone,electronics\n2,Stocks fell sharply,finance\n"

	doc, err := adapter.Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, "1", doc.Units[0].ID)
	assert.Equal(t, "I love this phone", doc.Units[0].Text)
	assert.Equal(t, []format.Field{{Key: "id", Value: "1"}, {Key: "category", Value: "electronics"}}, doc.Units[0].Passthrough)

	out, err := adapter.Encode(doc, map[string]string{"1": "product_review"})
	require.NoError(t, err)
	assert.Equal(t, "id,content,category,ai_assigned_label\n1,I love this phone,electronics,product_review\n2,Stocks fell sharply,finance,\n", string(out))
}

func TestCSVPreservesQuotingAndLineEndings(t *testing.T) {
	adapter := format.NewCSVAdapter(format.Options{})
	input := "id,text\r\n1,\"line one\r\nline two\"\r\n\r\n2,\"say \"\"hi\"\"\"\r\n"

	doc, err := adapter.Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, "line one\nline two", doc.Units[0].Text)
	assert.Equal(t, `say "hi"`, doc.Units[1].Text)

	out, err := adapter.Encode(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, "id,text,ai_assigned_label\r\n1,\"line one\r\nline two\",\r\n\r\n2,\"say \"\"hi\"\"\",\r\n", string(out))

	out, err = adapter.Encode(doc, map[string]string{"2": "a,b"})
	require.NoError(t, err)
	assert.Equal(t, "id,text,ai_assigned_label\r\n1,\"line one\r\nline two\",\r\n\r\n2,\"say \"\"hi\"\"\",\"a,b\"\r\n", string(out))
}

func TestCSVTextColumnDetection(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantText string
	}{
		{"longest candidate wins", "title,body,comment\nx,short,a much longer comment here\n", "a much longer comment here"},
		{"ties go left-most", "body,content\nabc,xyz\n", "abc"},
		{"case-insensitive header", "ID,Message\n1,hello\n", "hello"},
		{"long column without candidate", "name,notes\nx,this is a long note value\n", "this is a long note value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := format.NewCSVAdapter(format.Options{}).Decode([]byte(tt.input))
			require.NoError(t, err)
			require.Len(t, doc.Units, 1)
			assert.Equal(t, tt.wantText, doc.Units[0].Text)
		})
	}
}

func TestCSVSynthesizesIDsAndSkipsEmptyText(t *testing.T) {
	doc, err := format.NewCSVAdapter(format.Options{}).Decode([]byte("text,score\nhello there,1\n,2\nbye now,3"))
	require.NoError(t, err)
	require.Len(t, doc.Units, 3)
	assert.Equal(t, []string{"csv_text_001", "csv_text_002", "csv_text_003"},
		[]string{doc.Units[0].ID, doc.Units[1].ID, doc.Units[2].ID})
	assert.True(t, doc.Units[1].Skipped)
	require.Len(t, doc.Warnings, 1)
	assert.Equal(t, 1, doc.Warnings[0].Index)

	out, err := format.NewCSVAdapter(format.Options{}).Encode(doc, map[string]string{"csv_text_003": "farewell"})
	require.NoError(t, err)
	assert.Equal(t, "text,score,ai_assigned_label\nhello there,1,\n,2,\nbye now,3,farewell", string(out))
}

func TestCSVEncodeIsIdempotent(t *testing.T) {
	adapter := format.NewCSVAdapter(format.Options{})
	doc, err := adapter.Decode([]byte("\xEF\xBB\xBFid,review\na,great product\nb,awful\n"))
	require.NoError(t, err)
	labels := map[string]string{"a": "positive", "b": "negative"}
	first, err := adapter.Encode(doc, labels)
	require.NoError(t, err)
	second, err := adapter.Encode(doc, labels)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "\xEF\xBB\xBFid,review,ai_assigned_label\na,great product,positive\nb,awful,negative\n", string(first))
}

func TestCSVHeaderOnly(t *testing.T) {
	doc, err := format.NewCSVAdapter(format.Options{}).Decode([]byte("a,b\n"))
	require.NoError(t, err)
	assert.Empty(t, doc.Units)
}

func TestCSVStrayQuoteInsideUnquotedField(t *testing.T) {
	adapter := format.NewCSVAdapter(format.Options{})
	input := "id,content\n1,a 5\" screen is great\n2,second row text\n"

	doc, err := adapter.Decode([]byte(input))
	require.NoError(t, err)
	require.Len(t, doc.Units, 2)
	assert.Equal(t, `a 5" screen is great`, doc.Units[0].Text)
	assert.Equal(t, "second row text", doc.Units[1].Text)

	out, err := adapter.Encode(doc, map[string]string{"1": "electronics", "2": "other"})
	require.NoError(t, err)
	assert.Equal(t, "id,content,ai_assigned_label\n1,a 5\" screen is great,electronics\n2,second row text,other\n", string(out))
}

func TestCSVParseErrors(t *testing.T) {
	for _, input := range []string{"", "\n\n", "a,b\n1,2\n", "id,text\n1,\"unterminated\n"} {
		_, err := format.NewCSVAdapter(format.Options{}).Decode([]byte(input))
		require.Error(t, err, "%q", input)
		assert.ErrorIs(t, err, services.ErrParse, "%q", input)
	}
}
