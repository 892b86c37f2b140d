package attachment

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://api.example.com", "uploads/a.webm", "https://api.example.com/uploads/a.webm"},
		{"https://api.example.com/", "uploads/a.webm", "https://api.example.com/uploads/a.webm"},
		{"https://api.example.com", "/uploads/a.webm", "https://api.example.com/uploads/a.webm"},
		{"https://api.example.com//", "//uploads/a.webm", "https://api.example.com/uploads/a.webm"},
		{"https://api.example.com", "https://cdn.example.com/a.webm", "https://cdn.example.com/a.webm"},
		{"https://api.example.com", "http://cdn.example.com/a.webm", "http://cdn.example.com/a.webm"},
		{"http://localhost:3000", "files/x.png", "http://localhost:3000/files/x.png"},
	}

	for _, tt := range tests {
		if got := Resolve(tt.base, tt.path); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver("https://api.example.com")
	if got := r.Resolve("v/1.webm"); got != "https://api.example.com/v/1.webm" {
		t.Errorf("Resolve() = %q", got)
	}
}
