// Package useragent classifies User-Agent strings into the coarse device,
// browser, and OS facets recorded on each click, and detects bots.
package useragent

import (
	"strings"

	"go.shortlink.dev/infra/shortlink/go/types"
)

// botMarkers are matched as substrings of the lowercased User-Agent.
var botMarkers = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"googlebot",
	"bingbot",
	"facebookexternalhit",
	"twitterbot",
	"linkedinbot",
	"whatsapp",
	"telegram",
	"slackbot",
	"discordbot",
	"curl/",
	"wget/",
	"python-requests",
	"headlesschrome",
}

// IsBot returns true if the User-Agent looks like an automated client.
func IsBot(ua string) bool {
	lower := strings.ToLower(ua)
	for _, marker := range botMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Device returns the coarse device type.
func Device(ua string) types.DeviceType {
	if IsBot(ua) {
		return types.DeviceBot
	}
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return types.DeviceTablet
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		// Android tablets carry "Android" without "Mobile", so they are
		// caught by the tablet case above only when they say so.
		return types.DeviceMobile
	default:
		return types.DeviceDesktop
	}
}

// Browser returns a coarse browser family name, or "Unknown".
func Browser(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "edg/") || strings.Contains(lower, "edge/"):
		return "Edge"
	case strings.Contains(lower, "opr/") || strings.Contains(lower, "opera"):
		return "Opera"
	case strings.Contains(lower, "chrome/"):
		return "Chrome"
	case strings.Contains(lower, "firefox/"):
		return "Firefox"
	case strings.Contains(lower, "safari/"):
		return "Safari"
	default:
		return "Unknown"
	}
}

// OS returns a coarse operating system name, or "Unknown".
func OS(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "windows"):
		return "Windows"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") || strings.Contains(lower, "ios"):
		return "iOS"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		return "macOS"
	case strings.Contains(lower, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}
