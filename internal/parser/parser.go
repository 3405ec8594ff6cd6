// Package parser extracts plain text from uploaded documents. Each file
// yields its logical sections in reading order: pages for PDF, slides for
// PPTX, sheets for spreadsheets, the whole body for flat formats.
package parser

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"pdfrag/internal/models"
)

var extensions = map[string]func(string) ([]string, error){
	".pdf":      extractPDF,
	".docx":     extractDOCX,
	".pptx":     extractPPTX,
	".xlsx":     extractXLSX,
	".ods":      extractODS,
	".md":       extractMarkdown,
	".markdown": extractMarkdown,
	".txt":      extractPlain,
	".text":     extractPlain,
	".log":      extractPlain,
}

// Supported reports whether files with the given extension can be parsed.
func Supported(ext string) bool {
	_, ok := extensions[strings.ToLower(ext)]
	return ok
}

// SupportedExtensions lists parseable extensions, sorted.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// ExtractText parses the file at path and returns its non-blank sections.
// A file from which no text can be extracted is an input error, not an
// empty result.
func ExtractText(path string) ([]string, error) {
	extract, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported file format %q", models.ErrInvalidInput, filepath.Ext(path))
	}
	sections, err := extract(path)
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no extractable text in %s", models.ErrInvalidInput, filepath.Base(path))
	}
	return kept, nil
}

func extractPDF(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf %s: %v", models.ErrInvalidInput, filepath.Base(path), err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// a single unreadable page should not sink the document
			log.Warn().Str("file", filepath.Base(path)).Int("page", i).Err(err).Msg("skipping unreadable pdf page")
			continue
		}
		pages = append(pages, pageText)
	}
	return pages, nil
}

func extractDOCX(path string) ([]string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	defer r.Close()

	// GetContent returns the raw document.xml; the visible text lives in
	// <w:t> runs grouped into <w:p> paragraphs.
	body, err := xmlText(strings.NewReader(r.Editable().GetContent()))
	if err != nil {
		return nil, fmt.Errorf("%w: read docx %s: %v", models.ErrInvalidInput, filepath.Base(path), err)
	}
	return []string{body}, nil
}

func extractPPTX(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			names = append(names, f.Name)
		}
	}
	// slide file order inside the archive is arbitrary
	sort.Slice(names, func(i, j int) bool {
		return slideNumber(names[i]) < slideNumber(names[j])
	})

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	slides := make([]string, 0, len(names))
	for _, name := range names {
		rc, err := byName[name].Open()
		if err != nil {
			log.Warn().Str("file", filepath.Base(path)).Str("slide", name).Err(err).Msg("skipping unreadable slide")
			continue
		}
		slideText, err := xmlText(rc)
		rc.Close()
		if err != nil {
			log.Warn().Str("file", filepath.Base(path)).Str("slide", name).Err(err).Msg("skipping malformed slide")
			continue
		}
		slides = append(slides, slideText)
	}
	return slides, nil
}

// slideNumber pulls N out of ppt/slides/slideN.xml, for ordering.
func slideNumber(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func extractXLSX(path string) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	sheets := make([]string, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		var b strings.Builder
		b.WriteString("Sheet: " + sheet.Name + "\n")
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteString("\n")
		}
		sheets = append(sheets, b.String())
	}
	return sheets, nil
}

func extractODS(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	defer f.Close()

	var sheets []string
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			log.Warn().Str("file", filepath.Base(path)).Str("sheet", name).Err(err).Msg("skipping unreadable sheet")
			continue
		}
		var b strings.Builder
		b.WriteString("Sheet: " + name + "\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		sheets = append(sheets, b.String())
	}
	return sheets, nil
}

func extractMarkdown(path string) ([]string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *ast.Paragraph, *ast.Heading, *ast.ListItem:
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			b.WriteString("\n")
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: parse markdown %s: %v", models.ErrInvalidInput, filepath.Base(path), err)
	}
	return []string{b.String()}, nil
}

func extractPlain(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, openErr(path, err)
	}
	return []string{string(data)}, nil
}

// xmlText walks an OOXML document and collects the character data of every
// text run (<w:t> in docx, <a:t> in pptx), separating paragraphs with
// newlines.
func xmlText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inRun := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inRun = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inRun {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

func openErr(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", models.ErrNotFound, path)
	}
	return fmt.Errorf("%w: open %s: %v", models.ErrInvalidInput, path, err)
}
