package progress

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
)

const barWidth = 20

// clamp maps any input into [0,100]. NaN and -Inf read as 0.
func clamp(pct float64) float64 {
	switch {
	case math.IsNaN(pct):
		return 0
	case pct > 100:
		return 100
	case pct < 0:
		return 0
	}
	return pct
}

// Bar renders "[▓▓▓░░░...] 42.0%".
func Bar(pct float64) string {
	pct = clamp(pct)
	filled := int(pct / 100 * barWidth)
	return fmt.Sprintf("[%s%s] %.1f%%", strings.Repeat("▓", filled), strings.Repeat("░", barWidth-filled), pct)
}

func Emoji(pct float64) string {
	switch {
	case pct < 25:
		return "🔄"
	case pct < 50:
		return "📥"
	case pct < 75:
		return "⚡"
	case pct < 100:
		return "🎯"
	default:
		return "✅"
	}
}

// Render builds the HTML body of a progress message. All text arguments are
// escaped.
func Render(title string, pct float64, status, speed, eta string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s %s</b>\n\n", Emoji(pct), html.EscapeString(title))
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(status))
	fmt.Fprintf(&b, "<code>%s</code>\n\n", Bar(pct))

	var info []string
	if speed != "" {
		info = append(info, fmt.Sprintf("⚡ Speed: <b>%s</b>", html.EscapeString(speed)))
	}
	if eta != "" {
		info = append(info, fmt.Sprintf("⏱️ ETA: <b>%s</b>", html.EscapeString(eta)))
	}

	if len(info) > 0 {
		b.WriteString(strings.Join(info, " | "))
	} else {
		b.WriteString("🕐 " + now.Format("15:04:05"))
	}
	return b.String()
}

var (
	legacyPct    = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	legacyStatus = regexp.MustCompile(`<b>([^<]+)</b>`)
)

// ParseLegacy is the compatibility adaptor for producers that still emit the
// old "status|pct|speed|eta" string instead of a typed event; feed its result
// to Reporter.Update or a Consume channel. Input that cannot be read,
// including a non-finite percentage, becomes a forced "Processing..." at 0%.
func ParseLegacy(s string) domain.ProgressEvent {
	fallback := domain.ProgressEvent{Status: "Processing...", Force: true}

	parts := strings.Split(s, "|")
	if len(parts) >= 2 {
		ev := domain.ProgressEvent{Status: strings.TrimSpace(parts[0])}

		if raw := strings.TrimSpace(parts[1]); raw != "" {
			pct, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(pct) || math.IsInf(pct, 0) {
				return fallback
			}
			ev.Percent = pct
		}
		if len(parts) > 2 {
			ev.Speed = strings.TrimSpace(parts[2])
		}
		if len(parts) > 3 {
			ev.ETA = strings.TrimSpace(parts[3])
		}
		return ev
	}

	ev := domain.ProgressEvent{Status: "Processing..."}
	if m := legacyPct.FindStringSubmatch(s); m != nil {
		ev.Percent, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := legacyStatus.FindStringSubmatch(s); m != nil {
		ev.Status = m[1]
	}
	return ev
}
