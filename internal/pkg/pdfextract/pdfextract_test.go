package pdfextract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectsNonPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(path, []byte("just some text, not a pdf"), 0o600))

	assert.Error(t, Validate(path))

	pages, err := ExtractPages(path)
	assert.Error(t, err)
	assert.Nil(t, pages)
}

func TestMissingFile(t *testing.T) {
	_, err := ExtractPages(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}

// writePDF builds a minimal single-font PDF with one text line per page. An
// empty string yields a page with no text.
func writePDF(t *testing.T, lines ...string) string {
	t.Helper()

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"", // page tree, filled in once the page ids are known
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}
	var kids []string
	for _, line := range lines {
		content := "q Q"
		if line != "" {
			content = fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", line)
		}
		pageID := len(objects) + 1
		kids = append(kids, fmt.Sprintf("%d 0 R", pageID))
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", pageID+1),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(lines))

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestExtractPages(t *testing.T) {
	path := writePDF(t, "Alpha page one", "Bravo page two", "Charlie page three")

	require.NoError(t, Validate(path))

	pages, err := ExtractPages(path)
	require.NoError(t, err)
	assert.Equal(t, []Page{
		{Number: 1, Text: "Alpha page one"},
		{Number: 2, Text: "Bravo page two"},
		{Number: 3, Text: "Charlie page three"},
	}, pages)
}

func TestExtractPagesKeepsBlankPageNumbers(t *testing.T) {
	path := writePDF(t, "Alpha page one", "", "Charlie page three")

	require.NoError(t, Validate(path))

	pages, err := ExtractPages(path)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, Page{Number: 2}, pages[1])
	assert.Equal(t, Page{Number: 3, Text: "Charlie page three"}, pages[2])
}
