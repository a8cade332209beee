package workspace

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// Transmuter converts binary document formats (PDF, DOCX, ...) to markdown
// text. Implementations are external collaborators; the indexer only
// consumes the capability. Conversion failures cause the file to be
// skipped with a logged warning.
type Transmuter interface {
	CanHandle(mimeType string) bool
	Convert(data []byte, mimeType string) (string, error)
}

// MimeForPath guesses the MIME type from the file extension, defaulting to
// text/plain.
func MimeForPath(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	return "text/plain"
}

// extractText turns raw file bytes into indexable text: UTF-8 text passes
// through, anything else goes through the transmuter when one can handle
// it.
func extractText(data []byte, mimeType string, tm Transmuter) (string, error) {
	if strings.HasPrefix(mimeType, "text/") || utf8.Valid(data) {
		return string(data), nil
	}
	if tm != nil && tm.CanHandle(mimeType) {
		text, err := tm.Convert(data, mimeType)
		if err != nil {
			return "", fmt.Errorf("%w: %v", vecerr.ErrTransmutationFailed, err)
		}
		return text, nil
	}
	return "", fmt.Errorf("%w: no transmuter for %s", vecerr.ErrTransmutationFailed, mimeType)
}
