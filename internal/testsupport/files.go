package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes content to path, creating parent directories, and
// returns the path.
func WriteFile(t testing.TB, path, content string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// SampleJSON is a small dataset in the default JSON layout.
const SampleJSON = `{
  "test_texts": [
    {"id": "t1", "content": "This laptop is fast and the battery lasts all day."},
    {"id": "t2", "content": "The senate passed the budget bill late on Tuesday."},
    {"id": "t3", "content": ""}
  ]
}
`

// SampleCSV has an id column and a review text column.
const SampleCSV = "id,review,stars\n" +
	"r1,Great blender but loud,4\n" +
	"r2,\"Stopped working after a week, very disappointed\",1\n"

// SampleXML nests records under a root element.
const SampleXML = `<?xml version="1.0"?>
<texts>
  <text id="x1">Stocks rallied after the earnings report.</text>
  <text id="x2">The new phone has a brilliant screen.</text>
</texts>
`
