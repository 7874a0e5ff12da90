package bot

import (
	"fmt"
	"strings"

	"github.com/datallboy/gofetch/internal/domain"
)

type platform struct {
	name  string
	hosts []string
}

// Matched by substring, so m.youtube.com and vm.tiktok.com are covered too.
var platforms = []platform{
	{"YouTube", []string{"youtube.com", "youtu.be"}},
	{"TikTok", []string{"tiktok.com"}},
	{"Instagram", []string{"instagram.com", "instagr.am"}},
	{"Twitter/X", []string{"twitter.com", "x.com", "t.co"}},
}

func isURL(text string) bool {
	return strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://")
}

// ValidateURL returns the platform name for a supported link.
// Rejections wrap domain.ErrUnsupportedURL and carry the user-facing reason.
func ValidateURL(raw string) (string, error) {
	url := strings.TrimSpace(raw)

	if url == "" {
		return "", fmt.Errorf("%w: ❌ URL must not be empty!", domain.ErrUnsupportedURL)
	}
	if !isURL(url) {
		return "", fmt.Errorf("%w: ❌ URL must start with http:// or https://", domain.ErrUnsupportedURL)
	}

	for _, p := range platforms {
		for _, h := range p.hosts {
			if strings.Contains(url, h) {
				return p.name, nil
			}
		}
	}

	return "", fmt.Errorf("%w: ❌ Platform not supported. Use YouTube, TikTok, Instagram or Twitter/X.", domain.ErrUnsupportedURL)
}

// rejection strips the sentinel prefix so only the reason reaches the user.
func rejection(err error) string {
	msg := err.Error()
	return strings.TrimPrefix(msg, domain.ErrUnsupportedURL.Error()+": ")
}
