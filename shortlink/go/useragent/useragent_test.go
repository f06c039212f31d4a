package useragent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.shortlink.dev/infra/shortlink/go/types"
)

const (
	chromeOnWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariOnIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	firefoxOnLinux  = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

func TestIsBot(t *testing.T) {
	for _, ua := range []string{
		"Googlebot/2.1 (+http://www.google.com/bot.html)",
		"facebookexternalhit/1.1",
		"Twitterbot/1.0",
		"WhatsApp/2.23.20",
		"curl/8.4.0",
		"python-requests/2.31",
	} {
		assert.True(t, IsBot(ua), ua)
	}
	assert.False(t, IsBot(chromeOnWindows))
	assert.False(t, IsBot(safariOnIPhone))
}

func TestDevice(t *testing.T) {
	assert.Equal(t, types.DeviceDesktop, Device(chromeOnWindows))
	assert.Equal(t, types.DeviceMobile, Device(safariOnIPhone))
	assert.Equal(t, types.DeviceTablet, Device("Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15"))
	assert.Equal(t, types.DeviceBot, Device("Googlebot/2.1"))
}

func TestBrowser(t *testing.T) {
	assert.Equal(t, "Chrome", Browser(chromeOnWindows))
	assert.Equal(t, "Safari", Browser(safariOnIPhone))
	assert.Equal(t, "Firefox", Browser(firefoxOnLinux))
	assert.Equal(t, "Unknown", Browser("weird agent"))
}

func TestOS(t *testing.T) {
	assert.Equal(t, "Windows", OS(chromeOnWindows))
	assert.Equal(t, "iOS", OS(safariOnIPhone))
	assert.Equal(t, "Linux", OS(firefoxOnLinux))
	assert.Equal(t, "Unknown", OS("weird agent"))
}
