package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags stripped", "Hello <b>World</b>", "Hello World"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Link", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML chars", "<div>Hello</div>", "&lt;div&gt;Hello&lt;/div&gt;"},
		{"Quotes", `"Hello" 'World'`, "&#34;Hello&#34; &#39;World&#39;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.input); got != tt.expected {
				t.Errorf("Escape() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Bold", "hello **world**", "<p>hello <strong>world</strong></p>"},
		{"Plain", "just text", "<p>just text</p>"},
		{"Emphasis", "*hi*", "<p><em>hi</em></p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.input)
			if err != nil {
				t.Fatalf("Render() error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Render() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRenderStripsScript(t *testing.T) {
	got, err := Render("<script>alert(1)</script>hi")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "<script") {
		t.Errorf("script tag survived sanitization: %q", got)
	}
}

func TestRenderKeepsLinksSafe(t *testing.T) {
	got, err := Render("[click](javascript:alert(1))")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "javascript:") {
		t.Errorf("javascript URL survived sanitization: %q", got)
	}
}

func TestValidateNickname(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "anon123", false},
		{"Valid with dot", "anon.name", false},
		{"Valid with dash", "anon-name", false},
		{"Valid unicode", "匿名用户", false},
		{"Invalid space", "anon name", true},
		{"Invalid special char", "anon@name", true},
		{"Invalid script", "<script>", true},
		{"Empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateNickname(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateNickname() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
