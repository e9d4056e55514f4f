package errorpages

import (
	"strings"
	"testing"
)

func TestRenderEscapesMessage(t *testing.T) {
	r := NewRegistry()
	r.Set(502, Page{ContentType: "text/html; charset=utf-8", Body: "<h1>{{status_code}} {{status_text}}</h1><p>{{message}}</p>"})

	_, body := r.Render(502, `<script>alert("x")</script>`)
	out := string(body)
	if strings.Contains(out, "<script>") {
		t.Fatalf("message was not escaped: %s", out)
	}
	if !strings.Contains(out, "502") {
		t.Fatalf("status_code not substituted: %s", out)
	}
	if !strings.Contains(out, "Bad Gateway") {
		t.Fatalf("status_text not substituted: %s", out)
	}
}

func TestRenderFallsBackToDefaultPage(t *testing.T) {
	r := NewRegistry()
	_, body := r.Render(404, "not found")
	if !strings.Contains(string(body), "404") {
		t.Fatalf("default page should still substitute status_code: %s", body)
	}
}

func TestJSONBodyEscapesQuotes(t *testing.T) {
	body := JSONBody(400, `bad "input"`)
	if !strings.Contains(string(body), `bad \"input\"`) {
		t.Fatalf("quotes not escaped: %s", body)
	}
}
