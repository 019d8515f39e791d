package parser

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var (
	whitespaceRegex = regexp.MustCompile(`[^\S\n]+`)
	newlineRegex    = regexp.MustCompile(`\n{3,}`)
	// Zero-width and other invisible characters used by mailers for tracking and layout
	invisibleRegex = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{115F}\x{1160}\x{17B4}\x{17B5}\x{180E}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}\x{FFF0}-\x{FFF8}]+`)
)

// PreviewLength is the number of characters kept by Preview
const PreviewLength = 250

// HTMLToText converts an HTML body to plain text, one block element per line
func HTMLToText(body string) (string, error) {
	if body == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link, title").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr, blockquote").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})
	// Keep preformatted text as is
	doc.Find("pre").Each(func(i int, s *goquery.Selection) {
		s.SetText("\n" + s.Text() + "\n")
	})

	text := invisibleRegex.ReplaceAllString(doc.Text(), "")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	text = newlineRegex.ReplaceAllString(strings.Join(clean, "\n"), "\n\n")

	return strings.TrimSpace(text), nil
}

// TextToHTML wraps a plain text body so it renders unchanged
func TextToHTML(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}

// Preview returns the first PreviewLength characters of the body text on one line
func Preview(body string) string {
	text, err := HTMLToText(body)
	if err != nil {
		return ""
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength])
}
