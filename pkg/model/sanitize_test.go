package model

import "testing"

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"default.v1", "default.v1"},
		{"../../etc/passwd", ".etcpasswd"},
		{"my runtime!", "myruntime"},
		{"a/b/c", "abc"},
	}
	for _, c := range cases {
		if got := SanitizeName(c.in); got != c.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeProjectName(t *testing.T) {
	if got := NormalizeProjectName("  My Demo  Project "); got != "my-demo-project" {
		t.Errorf("NormalizeProjectName = %q", got)
	}
}
