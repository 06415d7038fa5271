package urlutil

import "testing"

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name     string
		urlStr   string
		baseURL  string
		expected string
	}{
		{
			name:     "absolute URL unchanged",
			urlStr:   "https://cdn.example.com/segment.ts",
			baseURL:  "https://origin.example.com/stream/live.m3u8",
			expected: "https://cdn.example.com/segment.ts",
		},
		{
			name:     "relative segment",
			urlStr:   "seg01.ts",
			baseURL:  "https://cdn/x/live.m3u8",
			expected: "https://cdn/x/seg01.ts",
		},
		{
			name:     "relative with base query string",
			urlStr:   "seg01.ts",
			baseURL:  "https://cdn/x/live.m3u8?token=abc",
			expected: "https://cdn/x/seg01.ts",
		},
		{
			name:     "parent directory reference",
			urlStr:   "../segment.ts",
			baseURL:  "https://example.com/stream/subdir/master.m3u8",
			expected: "https://example.com/stream/segment.ts",
		},
		{
			name:     "absolute path",
			urlStr:   "/segments/segment001.ts",
			baseURL:  "https://example.com/stream/master.m3u8",
			expected: "https://example.com/segments/segment001.ts",
		},
		{
			name:     "protocol relative inherits https",
			urlStr:   "//cdn.example.com/live/seg.ts",
			baseURL:  "https://origin.example.com/live.m3u8",
			expected: "https://cdn.example.com/live/seg.ts",
		},
		{
			name:     "protocol relative inherits http",
			urlStr:   "//cdn.example.com/live/seg.ts",
			baseURL:  "http://origin.example.com/live.m3u8",
			expected: "http://cdn.example.com/live/seg.ts",
		},
		{
			name:     "encoding preserved",
			urlStr:   "seg(1).ts",
			baseURL:  "https://cdn/x/live.m3u8",
			expected: "https://cdn/x/seg(1).ts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ResolveURL(tt.urlStr, tt.baseURL)
			if result != tt.expected {
				t.Errorf("ResolveURL(%q, %q) = %q, want %q", tt.urlStr, tt.baseURL, result, tt.expected)
			}
		})
	}
}

func TestGetSchemeHost(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://example.com/path/file.m3u8", "https://example.com"},
		{"http://example.com:8080/x", "http://example.com:8080"},
	}

	for _, tt := range tests {
		if got := GetSchemeHost(tt.url); got != tt.expected {
			t.Errorf("GetSchemeHost(%q) = %q, want %q", tt.url, got, tt.expected)
		}
	}
}
