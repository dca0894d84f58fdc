package fetcher

import (
	"bytes"
	"net/http"
)

// BlockType describes an anti-bot response.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// interstitialMax bounds the body size of a challenge page. Real recipe
// pages are far larger and often embed a recaptcha widget for comments, so
// captcha and shell markers are only trusted below it.
const interstitialMax = 16 << 10

// DetectBlock inspects a response for anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp == nil {
		return BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-mitigated") != "" ||
			resp.Header.Get("Server") == "cloudflare" {
			return BlockCloudflare
		}
	}

	if len(body) > interstitialMax {
		return BlockNone
	}

	lower := bytes.ToLower(body)
	switch {
	case bytes.Contains(lower, []byte("checking your browser")),
		bytes.Contains(lower, []byte("cf-browser-verification")),
		bytes.Contains(lower, []byte("cf-challenge")):
		return BlockCloudflare
	case bytes.Contains(lower, []byte("captcha")):
		return BlockCaptcha
	case bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("enable javascript")):
		return BlockJSShell
	}
	return BlockNone
}
