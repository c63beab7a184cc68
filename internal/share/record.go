// Package share models the document record the directory returns for a
// share token, and the pure functions (expiry, display metadata) that
// read it.
package share

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// Record is the directory's answer for a share token. Records are never
// mutated after Decode; a session drops its record instead of editing it.
type Record struct {
	ShareID      string
	DocumentID   string
	DocumentName string
	ContentURL   string
	SharedBy     string

	// Expiry is nil when the share never expires. An unparseable expiry
	// decodes to the zero instant so the record is always expired.
	Expiry *time.Time

	ViewOnce         bool
	NoDownload       bool
	NoScreenshots    bool
	WatermarkEnabled bool
}

type wireRecord struct {
	ShareID          string  `json:"share_id"`
	DocumentID       string  `json:"document_id"`
	DocumentName     string  `json:"document_name"`
	S3URL            string  `json:"s3_url"`
	SharedBy         string  `json:"shared_by"`
	Owner            string  `json:"owner"`
	ExpiryDate       *string `json:"expiry_date"`
	ViewOnce         bool    `json:"view_once"`
	NoDownload       bool    `json:"no_download"`
	NoScreenshots    bool    `json:"no_screenshots"`
	WatermarkEnabled bool    `json:"watermark_enabled"`
}

// Decode parses a directory response body.
func Decode(b []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return Record{}, xerrors.Wrap(err, "decode share record")
	}
	if strings.TrimSpace(w.S3URL) == "" {
		return Record{}, xerrors.New("share record has no content url")
	}

	r := Record{
		ShareID:          w.ShareID,
		DocumentID:       w.DocumentID,
		DocumentName:     w.DocumentName,
		ContentURL:       strings.TrimSpace(w.S3URL),
		SharedBy:         w.SharedBy,
		ViewOnce:         w.ViewOnce,
		NoDownload:       w.NoDownload,
		NoScreenshots:    w.NoScreenshots,
		WatermarkEnabled: w.WatermarkEnabled,
	}
	if r.SharedBy == "" {
		r.SharedBy = w.Owner
	}
	if w.ExpiryDate != nil && strings.TrimSpace(*w.ExpiryDate) != "" {
		exp, err := ParseExpiry(*w.ExpiryDate)
		if err != nil {
			exp = time.Time{}
		}
		r.Expiry = &exp
	}
	return r, nil
}

// Encode renders r in the directory wire shape. Used by the record cache.
func Encode(r Record) ([]byte, error) {
	w := wireRecord{
		ShareID:          r.ShareID,
		DocumentID:       r.DocumentID,
		DocumentName:     r.DocumentName,
		S3URL:            r.ContentURL,
		SharedBy:         r.SharedBy,
		ViewOnce:         r.ViewOnce,
		NoDownload:       r.NoDownload,
		NoScreenshots:    r.NoScreenshots,
		WatermarkEnabled: r.WatermarkEnabled,
	}
	if r.Expiry != nil {
		s := invalidExpiry
		if !r.Expiry.IsZero() {
			s = r.Expiry.UTC().Format(time.RFC3339Nano)
		}
		w.ExpiryDate = &s
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode share record")
	}
	return b, nil
}

// invalidExpiry round-trips an unparseable expiry through the cache
// without turning it into a valid one.
const invalidExpiry = "invalid"
