// Package version exposes build metadata stamped via -ldflags -X, with
// VCS details from the embedded build info as fallback.
package version

import "runtime/debug"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	BuildId   string
	// VCSDirty stays nil when unknown. It cannot be set with -X; tests
	// and embedders assign it directly.
	VCSDirty *bool
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date,omitempty"`
	BuildId   string `json:"build_id,omitempty"`
	GoVersion string `json:"go_version"`
	VCSDirty  *bool  `json:"vcs_dirty,omitempty"`
}

// UserAgent identifies docview on outbound directory and content calls.
func (i Info) UserAgent() string {
	return "linnemanlabs-docview/" + i.Version
}

func Get() Info {
	out := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		BuildId:   BuildId,
		VCSDirty:  VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		merge(&out, bi)
	}
	return out
}

// merge fills gaps in out from bi. Stamped values always win.
func merge(out *Info, bi *debug.BuildInfo) {
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil {
				b := s.Value == "true"
				out.VCSDirty = &b
			}
		}
	}
}
