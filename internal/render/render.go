// Package render turns untrusted chat text into a sanitized HTML fragment.
//
// The transform is pure and never fails: markdown the parser does not
// understand passes through as text, and anything the sanitizer does not
// allow is stripped, so the output can be broadcast to browsers as-is.
package render

import (
	"html"
	"strings"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// policy allows only the chat subset: emphasis, strong, code, links,
// paragraphs and line breaks. Policies are safe for concurrent use.
var policy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "em", "strong", "code")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	return p
}()

// Markdown renders raw chat text to a sanitized HTML fragment.
//
// Rendering the same input twice yields identical output, and already-escaped
// entities survive the round trip unmangled.
func Markdown(raw string) (out string) {
	// A parser bug must degrade to escaped plaintext, never fail the pipeline.
	defer func() {
		if r := recover(); r != nil {
			out = "<p>" + html.EscapeString(raw) + "</p>"
		}
	}()

	// Parser instances are single-use.
	ext := parser.CommonExtensions | parser.HardLineBreak | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(ext)
	r := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.SkipHTML})

	rendered := markdown.ToHTML([]byte(raw), p, r)
	return strings.TrimSpace(string(policy.SanitizeBytes(rendered)))
}
