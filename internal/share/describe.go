package share

import (
	"net/url"
	"regexp"
	"strings"
)

// Metadata is the display summary shown above a document.
type Metadata struct {
	Title       string `json:"title"`
	DocumentID  string `json:"document_id"`
	SharedBy    string `json:"shared_by"`
	Expires     string `json:"expires"`
	AccessType  string `json:"access_type"`
	Watermarked bool   `json:"watermarked"`
}

const defaultTitle = "Shared Document"

var (
	extSuffix   = regexp.MustCompile(`\.[^/.]+$`)
	uuidSuffix  = regexp.MustCompile(`(?i)[_\-\s]*[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	hex32Suffix = regexp.MustCompile(`(?i)[_\-\s]*[0-9a-f]{32}$`)
)

// Describe derives display metadata from r.
func Describe(r Record) Metadata {
	m := Metadata{
		Title:       documentTitle(r),
		DocumentID:  displayID(r),
		SharedBy:    r.SharedBy,
		Expires:     "Never",
		AccessType:  "Multiple Views",
		Watermarked: r.WatermarkEnabled,
	}
	if m.SharedBy == "" {
		m.SharedBy = "Anonymous"
	}
	if r.Expiry != nil {
		if r.Expiry.IsZero() {
			m.Expires = "Invalid date"
		} else {
			m.Expires = r.Expiry.UTC().Format("Jan 2, 2006, 03:04 PM")
		}
	}
	if r.ViewOnce {
		m.AccessType = "View Once"
	}
	return m
}

func documentTitle(r Record) string {
	if r.DocumentName != "" {
		return CleanTitle(r.DocumentName)
	}
	if r.ContentURL != "" {
		name := r.ContentURL
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		if i := strings.IndexByte(name, '?'); i >= 0 {
			name = name[:i]
		}
		return CleanTitle(name)
	}
	return defaultTitle
}

// CleanTitle turns a stored file name into a readable title: decoded,
// without its extension and without a trailing UUID or 32-hex id.
func CleanTitle(raw string) string {
	if raw == "" {
		return defaultTitle
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	base := extSuffix.ReplaceAllString(decoded, "")
	stripped := hex32Suffix.ReplaceAllString(uuidSuffix.ReplaceAllString(base, ""), "")

	if t := strings.TrimSpace(stripped); t != "" {
		return t
	}
	if t := strings.TrimSpace(base); t != "" {
		return t
	}
	return defaultTitle
}

func displayID(r Record) string {
	switch {
	case r.DocumentID != "":
		return r.DocumentID
	case r.ShareID != "":
		id := r.ShareID
		if len(id) > 8 {
			id = id[:8]
		}
		return "DOC-" + strings.ToUpper(id)
	default:
		return "N/A"
	}
}
