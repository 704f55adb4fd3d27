package textextract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// maxFormDepth bounds how deeply nested Form XObjects are followed.
const maxFormDepth = 4

var disableConfigDir sync.Once

// extractPDF concatenates the text layer of every page in page order. A page
// that yields nothing contributes an empty string; only a document where every
// page is empty fails.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := readPDF(data, conf)
	if err != nil {
		return "", err
	}

	pages := make([]string, 0, pdfCtx.PageCount)
	extracted := 0
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := pageText(pdfCtx, pageNr)
		if err != nil {
			e.logger.Debug("PDF page yielded no text.", "page", pageNr, "error", err)
		}
		if text != "" {
			extracted++
		}
		pages = append(pages, text)
	}

	if extracted == 0 {
		return "", errors.Newf("no text layer found in any of %d pages", pdfCtx.PageCount)
	}
	return strings.Join(pages, "\n"), nil
}

func readPDF(data []byte, conf *model.Configuration) (pdfCtx *model.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("pdfcpu panic: %v", r)
		}
	}()
	pdfCtx, err = api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, errors.Wrap(err, "pdfcpu read")
	}
	return pdfCtx, nil
}

func pageText(pdfCtx *model.Context, pageNr int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("page %d: pdfcpu panic: %v", pageNr, r)
		}
	}()
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	var resources types.Dict
	if _, _, inherited, err := pdfCtx.PageDict(pageNr, false); err == nil && inherited != nil {
		resources = inherited.Resources
	}
	return streamText(content, formText(pdfCtx, resources, 0, map[int]bool{})), nil
}

// formText resolves the names painted with Do against a resource dictionary
// and returns the text of those that are Form XObjects. Image XObjects and
// unknown names yield nothing.
func formText(pdfCtx *model.Context, resources types.Dict, depth int, seen map[int]bool) func(name string) string {
	if resources == nil || depth >= maxFormDepth {
		return nil
	}
	obj, ok := resources.Find("XObject")
	if !ok {
		return nil
	}
	xobjects, err := pdfCtx.DereferenceDict(obj)
	if err != nil || xobjects == nil {
		return nil
	}

	return func(name string) string {
		entry, ok := xobjects.Find(name)
		if !ok || entry == nil {
			return ""
		}
		if ref, ok := entry.(types.IndirectRef); ok {
			nr := ref.ObjectNumber.Value()
			if seen[nr] {
				return ""
			}
			seen[nr] = true
		}
		sd, _, err := pdfCtx.DereferenceStreamDict(entry)
		if err != nil || sd == nil {
			return ""
		}
		if st := sd.Subtype(); st == nil || *st != "Form" {
			return ""
		}
		if err := sd.Decode(); err != nil {
			return ""
		}
		nested := resources
		if own, ok := sd.Find("Resources"); ok {
			if d, err := pdfCtx.DereferenceDict(own); err == nil && d != nil {
				nested = d
			}
		}
		return streamText(sd.Content, formText(pdfCtx, nested, depth+1, seen))
	}
}

// contentStreamText pulls shown strings out of a content stream without
// following XObjects.
func contentStreamText(content []byte) string {
	return streamText(content, nil)
}

// streamText pulls shown strings out of a content stream. Operands
// accumulate until an operator consumes or discards them. When form is set,
// a Do operator splices in the text of the named XObject.
func streamText(content []byte, form func(name string) string) string {
	var (
		sb       strings.Builder
		pending  []string
		lastName string
	)
	flush := func(prefix byte) {
		if prefix != 0 && sb.Len() > 0 {
			sb.WriteByte(prefix)
		}
		for _, s := range pending {
			sb.WriteString(s)
		}
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '(':
			s, n := readLiteralString(content[i:])
			pending = append(pending, s)
			i += n
		case c == '<' && i+1 < len(content) && content[i+1] != '<':
			s, n := readHexString(content[i:])
			pending = append(pending, s)
			i += n
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case c == '/':
			start := i + 1
			i++
			for i < len(content) && !isPDFDelimiter(content[i]) && !isPDFSpace(content[i]) {
				i++
			}
			lastName = string(content[start:i])
		case isPDFDelimiter(c) || isPDFSpace(c):
			i++
		default:
			start := i
			for i < len(content) && !isPDFDelimiter(content[i]) && !isPDFSpace(content[i]) {
				i++
			}
			tok := string(content[start:i])
			if isOperand(tok) {
				continue
			}
			switch tok {
			case "Tj", "TJ":
				flush(0)
			case "'", "\"":
				flush('\n')
			case "T*":
				sb.WriteByte('\n')
			case "Td", "TD", "Tm":
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
			case "ET":
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
			case "Do":
				if form != nil && lastName != "" {
					if text := form(lastName); text != "" {
						if sb.Len() > 0 {
							sb.WriteByte('\n')
						}
						sb.WriteString(text)
						sb.WriteByte('\n')
					}
				}
			}
			pending = pending[:0]
			lastName = ""
		}
	}

	return tidyLines(sb.String())
}

func isOperand(tok string) bool {
	if tok == "" || tok[0] == '/' {
		return true
	}
	switch tok {
	case "true", "false", "null":
		return true
	}
	for _, r := range tok {
		if !(r >= '0' && r <= '9' || r == '.' || r == '-' || r == '+') {
			return false
		}
	}
	return true
}

func isPDFSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}

func isPDFDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteralString decodes a balanced (...) string starting at b[0].
func readLiteralString(b []byte) (string, int) {
	var out []byte
	depth := 0
	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case c == '\\' && i+1 < len(b):
			i++
			switch e := b[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
				if e == '\r' && i+1 < len(b) && b[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
						i++
						val = val*8 + int(b[i]-'0')
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case c == '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return decodePDFBytes(out), i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
		i++
	}
	return decodePDFBytes(out), i
}

// readHexString decodes a <...> string starting at b[0].
func readHexString(b []byte) (string, int) {
	var (
		out  []byte
		hi   = -1
		i    = 1
		done bool
	)
	for ; i < len(b) && !done; i++ {
		c := b[i]
		var v int
		switch {
		case c == '>':
			done = true
			continue
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			continue
		}
		if hi < 0 {
			hi = v
		} else {
			out = append(out, byte(hi<<4|v))
			hi = -1
		}
	}
	if hi >= 0 {
		out = append(out, byte(hi<<4))
	}
	return decodePDFBytes(out), i
}

// decodePDFBytes treats non-UTF-8 string bytes as Latin-1 and drops
// non-printable runes.
func decodePDFBytes(b []byte) string {
	var sb strings.Builder
	if utf8.Valid(b) {
		for _, r := range string(b) {
			if unicode.IsPrint(r) || r == '\n' || r == '\t' {
				sb.WriteRune(r)
			}
		}
		return sb.String()
	}
	for _, c := range b {
		r := rune(c)
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// tidyLines collapses runs of spaces within lines and drops blank lines.
func tidyLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
