package domain

import "strings"

// MediaKind is persisted as the upper-case target container name.
type MediaKind string

const (
	KindAudio MediaKind = "MP3"
	KindVideo MediaKind = "MP4"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Ext returns the target file extension including the dot.
func (k MediaKind) Ext() string {
	return "." + strings.ToLower(string(k))
}

// Subdir is the per-user directory the kind is downloaded into.
func (k MediaKind) Subdir() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// ParseKind accepts both the session mode ("mp3") and the stored form ("MP3").
func ParseKind(s string) (MediaKind, bool) {
	k := MediaKind(strings.ToUpper(strings.TrimSpace(s)))
	return k, k.Valid()
}
