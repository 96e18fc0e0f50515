package checksum

import (
	"testing"
)

func TestLines(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected string
	}{
		{
			name:     "empty",
			input:    nil,
			expected: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "single line",
			input:    []string{"hello world"},
			expected: "sha256:a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447",
		},
		{
			name:     "two lines",
			input:    []string{"A", "B"},
			expected: "sha256:daee1cd25194ae952d046ad9b9c81d3c07dc5332440b58d6d7461b248be56712",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Lines(tt.input)
			if result != tt.expected {
				t.Errorf("Lines() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLinesOrderMatters(t *testing.T) {
	if Lines([]string{"A", "B"}) == Lines([]string{"B", "A"}) {
		t.Error("reordered input must change the fingerprint")
	}
	if Lines([]string{"AB"}) == Lines([]string{"A", "B"}) {
		t.Error("line boundaries must change the fingerprint")
	}
}

func TestVerifyLines(t *testing.T) {
	lines := []string{"A", "B"}

	tests := []struct {
		name        string
		expectedSum string
		wantErr     bool
	}{
		{
			name:        "valid checksum",
			expectedSum: "sha256:daee1cd25194ae952d046ad9b9c81d3c07dc5332440b58d6d7461b248be56712",
			wantErr:     false,
		},
		{
			name:        "mismatch",
			expectedSum: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			wantErr:     true,
		},
		{
			name:        "malformed checksum (no prefix)",
			expectedSum: "daee1cd25194ae952d046ad9b9c81d3c07dc5332440b58d6d7461b248be56712",
			wantErr:     true,
		},
		{
			name:        "truncated",
			expectedSum: "sha256:daee1cd2",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyLines(lines, tt.expectedSum)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyLines() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
