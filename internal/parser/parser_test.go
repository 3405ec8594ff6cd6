package parser

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfrag/internal/models"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// writePPTX builds a minimal slide deck: one text run per slide, archive
// entries deliberately out of order.
func writePPTX(t *testing.T, dir string, slides map[int]string) string {
	t.Helper()
	path := filepath.Join(dir, "deck.pptx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for num, body := range slides {
		w, err := zw.Create(fmt.Sprintf("ppt/slides/slide%d.xml", num))
		require.NoError(t, err)
		_, err = w.Write([]byte(`<?xml version="1.0"?>` +
			`<p:sld xmlns:p="urn:p" xmlns:a="urn:a"><p:txBody><a:p><a:r><a:t>` +
			body +
			`</a:t></a:r></a:p></p:txBody></p:sld>`))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtractTextPlain(t *testing.T) {
	path := writeFile(t, "notes.txt", "first line\nsecond line\n")

	sections, err := ExtractText(path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "first line\nsecond line\n", sections[0])
}

func TestExtractTextMarkdownStripsSyntax(t *testing.T) {
	path := writeFile(t, "readme.md", `# Getting Started

Install the binary and run it.

- supports pdf
- supports docx

`+"```\nmake install\n```\n")

	sections, err := ExtractText(path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	body := sections[0]

	assert.Contains(t, body, "Getting Started")
	assert.Contains(t, body, "Install the binary and run it.")
	assert.Contains(t, body, "supports pdf")
	assert.Contains(t, body, "make install")
	assert.NotContains(t, body, "#")
	assert.NotContains(t, body, "```")
	assert.NotContains(t, body, "- ")
}

func TestExtractTextPPTXKeepsSlideOrder(t *testing.T) {
	path := writePPTX(t, t.TempDir(), map[int]string{
		10: "slide ten",
		1:  "slide one",
		2:  "slide two",
	})

	sections, err := ExtractText(path)
	require.NoError(t, err)
	require.Len(t, sections, 3)
	assert.Contains(t, sections[0], "slide one")
	assert.Contains(t, sections[1], "slide two")
	assert.Contains(t, sections[2], "slide ten")
}

func TestExtractTextUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "image.png", "not really an image")

	_, err := ExtractText(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	assert.Contains(t, err.Error(), ".png")
}

func TestExtractTextMissingFile(t *testing.T) {
	_, err := ExtractText(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestExtractTextBlankDocument(t *testing.T) {
	path := writeFile(t, "empty.txt", "   \n\t\n")

	_, err := ExtractText(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	assert.Contains(t, err.Error(), "no extractable text")
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(".pdf"))
	assert.True(t, Supported(".PDF"))
	assert.True(t, Supported(".md"))
	assert.False(t, Supported(".exe"))
	assert.False(t, Supported(""))

	exts := SupportedExtensions()
	assert.Contains(t, exts, ".pdf")
	assert.Contains(t, exts, ".docx")
	assert.Contains(t, exts, ".pptx")
}

func TestXMLText(t *testing.T) {
	doc := `<w:document xmlns:w="urn:w"><w:body>` +
		`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Second &amp; third</w:t></w:r></w:p>` +
		`</w:body></w:document>`

	got, err := xmlText(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "Hello world\nSecond & third\n", got)
}

func TestSlideNumber(t *testing.T) {
	assert.Equal(t, 1, slideNumber("ppt/slides/slide1.xml"))
	assert.Equal(t, 12, slideNumber("ppt/slides/slide12.xml"))
	assert.Equal(t, 0, slideNumber("ppt/slides/slide.xml.rels"))
}
