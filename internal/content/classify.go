package content

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
)

// Category selects which viewer renders a document.
type Category int

const (
	Unsupported Category = iota
	Image
	PagedDocument
	Tabular
	PlainText
)

func (c Category) String() string {
	switch c {
	case Image:
		return "image"
	case PagedDocument:
		return "paged_document"
	case Tabular:
		return "tabular"
	case PlainText:
		return "plain_text"
	default:
		return "unsupported"
	}
}

var suffixCategory = map[string]Category{
	"pdf":  PagedDocument,
	"jpg":  Image,
	"jpeg": Image,
	"png":  Image,
	"gif":  Image,
	"webp": Image,
	"bmp":  Image,
	"csv":  Tabular,
	"xlsx": Tabular,
	"xls":  Tabular,
	"txt":  PlainText,
}

// Classify decides the category of a document. The lowercased suffix of
// the URL's last path segment wins; query and fragment are ignored. The
// media type is consulted only when the suffix is unknown.
func Classify(contentURL, mediaType string) Category {
	if c, ok := suffixCategory[suffix(contentURL)]; ok {
		return c
	}
	return classifyMediaType(mediaType)
}

func suffix(contentURL string) string {
	p := contentURL
	if u, err := url.Parse(contentURL); err == nil {
		p = u.Path
	} else {
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
	}
	ext := path.Ext(path.Base(p))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func classifyMediaType(mediaType string) Category {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch {
	case mt == "":
		return Unsupported
	case strings.HasPrefix(mt, "image/"):
		return Image
	case mt == "application/pdf":
		return PagedDocument
	case mt == "text/csv", strings.Contains(mt, "spreadsheet"), strings.Contains(mt, "excel"):
		return Tabular
	case mt == "text/plain":
		return PlainText
	default:
		return Unsupported
	}
}

// DownloadAllowed reports whether raw download is offered. Only
// unsupported documents get a download affordance, and never when the
// share forbids downloads.
func DownloadAllowed(c Category, r share.Record) bool {
	return c == Unsupported && !r.NoDownload
}
