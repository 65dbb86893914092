package markdown

import (
	"strings"
	"testing"
)

func TestRenderHTML_Bold(t *testing.T) {
	out, _ := RenderHTML("this is **bold** text")
	if out != "this is <b>bold</b> text" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestRenderHTML_ResumeFooterBackticks(t *testing.T) {
	out, _ := RenderHTML("`codex --resume abc-123`")
	if out != "<code>codex --resume abc-123</code>" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestRenderHTML_CodeFenceSwitchesToPre(t *testing.T) {
	out, _ := RenderHTML("before\n```\nfn main() {}\n```\nafter")
	if !strings.HasPrefix(out, "<pre>") || !strings.HasSuffix(out, "</pre>") {
		t.Fatalf("expected whole message wrapped in <pre>, got %q", out)
	}
}

func TestRenderHTML_Link(t *testing.T) {
	out, _ := RenderHTML("see [docs](https://example.com/x)")
	want := `see <a href="https://example.com/x">docs</a>`
	if out != want {
		t.Fatalf("unexpected render: got %q want %q", out, want)
	}
}

func TestRenderHTML_BareURLAutolinked(t *testing.T) {
	out, _ := RenderHTML("visit https://example.com/x.")
	want := `visit <a href="https://example.com/x">https://example.com/x</a>.`
	if out != want {
		t.Fatalf("unexpected render: got %q want %q", out, want)
	}
}

func TestRenderHTML_EscapesHTML(t *testing.T) {
	out, _ := RenderHTML("a < b & c > d")
	want := "a &lt; b &amp; c &gt; d"
	if out != want {
		t.Fatalf("unexpected render: got %q want %q", out, want)
	}
}
