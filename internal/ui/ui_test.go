package ui

import (
	"strings"
	"testing"
)

func TestRender_PlainProfile(t *testing.T) {
	Plain()

	for name, render := range map[string]func(string) string{
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"accent": RenderAccent,
		"muted":  RenderMuted,
	} {
		if got := render("ok"); got != "ok" {
			t.Errorf("%s: got %q, want plain text", name, got)
		}
	}
}

func TestKeyValues_Aligned(t *testing.T) {
	Plain()

	out := KeyValues([][2]string{
		{"State", "idle"},
		{"Dirty rows", "12"},
	})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if strings.Index(lines[0], "idle") != strings.Index(lines[1], "12") {
		t.Errorf("values not aligned:\n%s", out)
	}
}
