package textextract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// skippedDocxElements are subtrees whose text is not part of the body flow.
var skippedDocxElements = map[string]bool{
	"tbl":         true,
	"object":      true,
	"drawing":     true,
	"pict":        true,
	"txbxContent": true,
}

// extractDocx reads word/document.xml and returns its paragraph text, one
// paragraph per line. Tables and embedded objects are skipped.
func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errors.Wrap(err, "open docx archive")
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errors.New("word/document.xml not found in archive")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", errors.Wrap(err, "open document.xml")
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var (
		out       strings.Builder
		paragraph strings.Builder
		inText    bool
		skipDepth int
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "decode document.xml")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if skipDepth > 0 || skippedDocxElements[t.Name.Local] {
				skipDepth++
				continue
			}
			switch t.Name.Local {
			case "p":
				paragraph.Reset()
			case "t":
				inText = true
			case "tab":
				paragraph.WriteByte('\t')
			case "br", "cr":
				paragraph.WriteByte('\n')
			}

		case xml.CharData:
			if inText && skipDepth == 0 {
				paragraph.Write(t)
			}

		case xml.EndElement:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(paragraph.String())
				if text == "" {
					continue
				}
				if out.Len() > 0 {
					out.WriteByte('\n')
				}
				out.WriteString(text)
			}
		}
	}

	return out.String(), nil
}
