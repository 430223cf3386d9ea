package sanitize

import "testing"

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Queue backlog", "Queue backlog"},
		{"tags", "<b>Queue</b> backlog", "Queue backlog"},
		{"script", "<script>alert(1)</script>hi", "alert(1)hi"},
		{"encoded tag", "&lt;img src=x onerror=y&gt;ok", "ok"},
		{"trims", "  spaced  ", "spaced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripHTML(tt.in); got != tt.want {
				t.Fatalf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLineCollapsesWhitespace(t *testing.T) {
	if got := Line("Shift\n  change\tat <i>18:00</i>"); got != "Shift change at 18:00" {
		t.Fatalf("Line() = %q", got)
	}
	if got := Text("line one\nline two"); got != "line one\nline two" {
		t.Fatalf("Text() = %q", got)
	}
}
