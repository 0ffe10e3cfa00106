package text

import (
	"errors"
	"testing"
	"unicode/utf8"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{
			name:  "passthrough clean text",
			input: "Hello world",
			want:  "Hello world",
		},
		{
			name:  "trims surrounding whitespace",
			input: "\t\n Hello \n\t",
			want:  "Hello",
		},
		{
			name:  "folds line endings into spaces",
			input: "line one\r\nline two\rline three",
			want:  "line one line two line three",
		},
		{
			name:  "collapses internal whitespace",
			input: "  hello   world  ",
			want:  "hello world",
		},
		{
			name:    "rejects empty string",
			input:   "",
			wantErr: ErrEmptyText,
		},
		{
			name:    "rejects whitespace-only string",
			input:   "   \t\n  ",
			wantErr: ErrEmptyText,
		},
		{
			name:  "preserves unicode content",
			input: "  Héllo wörld  ",
			want:  "Héllo wörld",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize(%q) error = %v; want %v", tt.input, err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("Normalize(%q): %v", tt.input, err)
			}

			if got != tt.want {
				t.Errorf("Normalize(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncateBytes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than limit", "abc", 5, "abc"},
		{"exact limit", "abc", 3, "abc"},
		{"ascii cut", "abcdef", 4, "abcd"},
		{"zero limit", "abc", 0, ""},
		{"does not split multibyte rune", "a\u00e9", 2, "a"},
		{"keeps whole multibyte rune", "a\u00e9", 3, "a\u00e9"},
		{"three byte rune", "x\u20acy", 3, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateBytes(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("TruncateBytes(%q, %d) = %q; want %q", tt.in, tt.n, got, tt.want)
			}

			if !utf8.ValidString(got) {
				t.Errorf("TruncateBytes(%q, %d) produced invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}
