package util

import (
	"strings"
	"testing"
)

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	if !strings.HasPrefix(result, "fitpub / ") {
		t.Errorf("Unexpected name and version: %s", result)
	}
}

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text",
			input:    "hello world",
			expected: "hello world",
		},
		{
			name:     "newlines become spaces",
			input:    "line one\nline two",
			expected: "line one line two",
		},
		{
			name:     "html is escaped",
			input:    `<script>alert("x")</script>`,
			expected: "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeInput(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	keyPair := GeneratePemKeypair()

	if !strings.Contains(keyPair.Private, "BEGIN RSA PRIVATE KEY") {
		t.Error("Private key is not PKCS#1 PEM")
	}
	if !strings.Contains(keyPair.Public, "BEGIN PUBLIC KEY") {
		t.Error("Public key is not PKIX PEM")
	}

	// Two calls produce distinct keys
	other := GeneratePemKeypair()
	if keyPair.Private == other.Private {
		t.Error("Keypair generation repeated a key")
	}
}
