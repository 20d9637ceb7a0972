package transport

import "net/http"

// Profile is a named browser fingerprint: the header signature the transport
// presents so the exchange resembles a specific desktop browser.
type Profile struct {
	Name      string
	UserAgent string
	Headers   http.Header
}

var profiles = map[string]Profile{
	"chrome110": {
		Name:      "chrome110",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36",
		Headers: http.Header{
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			"Accept-Language": {"en-US,en;q=0.9"},
			"Accept-Encoding": {"gzip, deflate, br"},
			"Sec-Ch-Ua":       {`"Chromium";v="110", "Not A(Brand";v="24", "Google Chrome";v="110"`},
			"Sec-Fetch-Mode":  {"navigate"},
			"Sec-Fetch-Site":  {"none"},
		},
	},
	"chrome120": {
		Name:      "chrome120",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Headers: http.Header{
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			"Accept-Language": {"en-US,en;q=0.9"},
			"Accept-Encoding": {"gzip, deflate, br"},
			"Sec-Ch-Ua":       {`"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
			"Sec-Fetch-Mode":  {"navigate"},
			"Sec-Fetch-Site":  {"none"},
		},
	},
	"firefox133": {
		Name:      "firefox133",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Headers: http.Header{
			"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			"Accept-Language":           {"en-US,en;q=0.5"},
			"Accept-Encoding":           {"gzip, deflate, br"},
			"Upgrade-Insecure-Requests": {"1"},
		},
	},
	"safari15_3": {
		Name:      "safari15_3",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.3 Safari/605.1.15",
		Headers: http.Header{
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			"Accept-Language": {"en-US,en;q=0.9"},
			"Accept-Encoding": {"gzip, deflate, br"},
		},
	},
}

// Legacy aliases kept for configuration compatibility.
var profileAliases = map[string]string{
	"chrome":     "chrome110",
	"firefox":    "firefox133",
	"firefox109": "firefox133",
	"safari":     "safari15_3",
}

// LookupProfile resolves a profile name or alias. Unknown names fall back to
// chrome110, mirroring the default fingerprint.
func LookupProfile(name string) Profile {
	if canonical, ok := profileAliases[name]; ok {
		name = canonical
	}
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles["chrome110"]
}

// ProfileNames lists the supported fingerprint profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}
