package thought

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{"user", NewMessage(RoleUser, "hi"), ""},
		{"system", NewMessage(RoleSystem, ""), ""},
		{"empty role", NewMessage("", "hi"), "role cannot be empty"},
		{"unknown role", NewMessage("tool", "hi"), "invalid message role"},
		{"too large", NewMessage(RoleUser, strings.Repeat("x", maxContentSize+1)), "exceeds maximum size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAll(t *testing.T) {
	if err := ValidateAll(nil); err == nil {
		t.Error("Expected error for an empty conversation")
	}
	if err := ValidateAll(UserPrompt("solve")); err != nil {
		t.Errorf("ValidateAll(UserPrompt) = %v", err)
	}
	err := ValidateAll([]Message{NewMessage(RoleUser, "a"), NewMessage("bot", "b")})
	if err == nil || !strings.HasPrefix(err.Error(), "message 1:") {
		t.Errorf("Expected the failing position in the error, got %v", err)
	}
}

func TestThoughtExtendDoesNotMutate(t *testing.T) {
	parent := Thought("# Approach\n")
	child := parent.Extend("# Implementation\n")
	if parent != "# Approach\n" {
		t.Errorf("parent changed to %q", parent)
	}
	if child.String() != "# Approach\n# Implementation\n" {
		t.Errorf("child = %q", child)
	}
}

func TestRootFrontier(t *testing.T) {
	if diff := cmp.Diff([]string{""}, Root().Strings()); diff != "" {
		t.Errorf("Root() mismatch (-want +got):\n%s", diff)
	}
	f := Frontier{"a", "b"}
	if diff := cmp.Diff([]string{"a", "b"}, f.Strings()); diff != "" {
		t.Errorf("Strings() mismatch (-want +got):\n%s", diff)
	}
}

func TestPreview(t *testing.T) {
	tests := map[string]struct {
		in   string
		n    int
		want string
	}{
		"short":   {"  abc \n", 10, "abc"},
		"exact":   {"abcd", 4, "abcd"},
		"trimmed": {"abcdef", 3, "abc..."},
		"runes":   {"héllo wörld", 4, "héll..."},
		"wide":    {"日本語テキスト", 3, "日本語..."},
		"zero":    {"abc", 0, "..."},
	}
	for name, tt := range tests {
		if got := Preview(tt.in, tt.n); got != tt.want {
			t.Errorf("%s: Preview(%q, %d) = %q, want %q", name, tt.in, tt.n, got, tt.want)
		}
	}
}
