package engine

import (
	"context"
	"strings"

	"github.com/taku10101/playwright-secretary/internal/driver"
)

type BlockerKind string

const (
	BlockerHumanVerification BlockerKind = "human_verification_required"
	BlockerFormValidation    BlockerKind = "form_validation_error"
	BlockerBotDenied         BlockerKind = "bot_blocked"
)

const blockerBodyLimit = 4000

var humanSignals = []string{
	"captcha",
	"hcaptcha",
	"recaptcha",
	"verify you are human",
	"prove you are human",
	"are you a robot",
	"confirm this search was made by a human",
	"complete the following challenge",
	"security check",
	"checking if the site connection is secure",
}

// ClassifyBlocker inspects page signals for captcha walls, bot denials and
// native required-field popups. An empty kind means the page looks normal.
func ClassifyBlocker(url, title, body string) (BlockerKind, string) {
	haystack := strings.ToLower(strings.Join([]string{
		strings.TrimSpace(url),
		strings.TrimSpace(title),
		strings.TrimSpace(body),
	}, " "))
	if strings.TrimSpace(haystack) == "" {
		return "", ""
	}

	for _, signal := range humanSignals {
		if strings.Contains(haystack, signal) {
			return BlockerHumanVerification, "human verification challenge detected"
		}
	}
	if strings.Contains(haystack, "please fill out this field") {
		return BlockerFormValidation, "submission blocked by required-field validation"
	}
	if strings.Contains(haystack, "access denied") && strings.Contains(haystack, "bot") {
		return BlockerBotDenied, "target denied automated access"
	}
	return "", ""
}

func detectBlocker(ctx context.Context, page driver.Page) error {
	url, _ := page.URL(ctx)
	title, _ := page.Title(ctx)
	body, _ := page.TextContent(ctx, "body")
	if len(body) > blockerBodyLimit {
		body = body[:blockerBodyLimit]
	}
	kind, message := ClassifyBlocker(url, title, body)
	if kind == "" {
		return nil
	}
	return &BlockerError{Kind: kind, Message: message, URL: url}
}
