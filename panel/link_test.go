package panel

import "testing"

func TestAggregateLink(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		id       string
		expected string
	}{
		{"plain base gains sub segment", "https://host:2096", "abcd1234", "https://host:2096/sub/abcd1234"},
		{"base already ending in sub", "https://host:2096/sub", "abcd1234", "https://host:2096/sub/abcd1234"},
		{"trailing slash trimmed", "https://host:2096/sub/", "abcd1234", "https://host:2096/sub/abcd1234"},
		{"whitespace around base", "  https://host:2096  ", "abcd1234", "https://host:2096/sub/abcd1234"},
		{"empty base yields empty link", "", "abcd1234", ""},
		{"empty id yields empty link", "https://host:2096", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregateLink(tt.base, tt.id); got != tt.expected {
				t.Errorf("aggregateLink(%q, %q) = %q, expected %q", tt.base, tt.id, got, tt.expected)
			}
		})
	}
}

func TestSubBaseOrDefault(t *testing.T) {
	if got := subBaseOrDefault("https://sub.host", "https://api.host"); got != "https://sub.host" {
		t.Errorf("dedicated sub base not preferred, got %q", got)
	}
	if got := subBaseOrDefault("  ", "https://api.host"); got != "https://api.host" {
		t.Errorf("blank sub base should fall back to api base, got %q", got)
	}
}
