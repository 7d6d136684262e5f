package render

import (
	"strings"
	"testing"
)

func TestMarkdownEmphasis(t *testing.T) {
	got := Markdown("42 test 123 *and some markdown too*")
	want := "<p>42 test 123 <em>and some markdown too</em></p>"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMarkdownStrong(t *testing.T) {
	got := Markdown("hello **world**")
	if !strings.Contains(got, "<strong>world</strong>") {
		t.Fatalf("expected strong tag, got %q", got)
	}
}

func TestMarkdownLink(t *testing.T) {
	got := Markdown("see [here](https://example.com/page)")
	if !strings.Contains(got, `href="https://example.com/page"`) {
		t.Fatalf("expected link href, got %q", got)
	}
}

func TestMarkdownIsPure(t *testing.T) {
	raw := "some *input* with [a link](https://x.test/y)"
	first := Markdown(raw)
	second := Markdown(raw)
	if first != second {
		t.Fatalf("render not deterministic: %q vs %q", first, second)
	}
}

func TestMarkdownNeutralizesScript(t *testing.T) {
	for _, raw := range []string{
		`<script>alert("hi")</script>`,
		`hello <img src=x onerror=alert(1)>`,
		`[click](javascript:alert(1))`,
	} {
		got := Markdown(raw)
		if strings.Contains(got, "<script") || strings.Contains(got, "onerror") || strings.Contains(got, "javascript:") {
			t.Fatalf("unsafe output for %q: %q", raw, got)
		}
	}
}

func TestMarkdownKeepsEscapedText(t *testing.T) {
	got := Markdown("a &amp; b")
	if strings.Contains(got, "<script") || strings.Count(got, "&amp;amp;") > 0 {
		t.Fatalf("double escaping or unsafe output: %q", got)
	}
	if !strings.Contains(got, "&amp;") {
		t.Fatalf("entity lost: %q", got)
	}
}

func TestMarkdownEmptyInput(t *testing.T) {
	if got := Markdown(""); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}
