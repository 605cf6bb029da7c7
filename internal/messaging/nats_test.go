package messaging

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestTypingSubject(t *testing.T) {
	tests := []struct {
		channel string
		want    string
	}{
		{"typing:group:cs101", "typing.Z3JvdXA6Y3MxMDE"},
		{"typing:dm:alice:bob", "typing.ZG06YWxpY2U6Ym9i"},
		{"group:cs101", "typing.Z3JvdXA6Y3MxMDE"},
	}
	for _, tt := range tests {
		if got := TypingSubject(tt.channel); got != tt.want {
			t.Errorf("TypingSubject(%q) = %q, want %q", tt.channel, got, tt.want)
		}
	}
}

func TestTypingSubject_DistinctKeysStayDistinct(t *testing.T) {
	channels := []string{
		"typing:group:a.b",
		"typing:group:a_b",
		"typing:group:a*b",
		"typing:group:a>b",
		"typing:group:a b",
		"typing:group:a-b",
		"typing:dm:alice.smith:bob",
		"typing:dm:alice_smith:bob",
		"typing:group:>",
		"typing:group:*",
	}

	seen := make(map[string]string)
	for _, ch := range channels {
		subject := TypingSubject(ch)
		if prev, ok := seen[subject]; ok {
			t.Errorf("%q and %q share subject %q", prev, ch, subject)
		}
		seen[subject] = ch

		token := strings.TrimPrefix(subject, SubjectTyping+".")
		if strings.ContainsAny(token, ".*> \t\r\n") {
			t.Errorf("subject %q for %q has a separator or wildcard", subject, ch)
		}

		key, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil || SubjectTyping+":"+string(key) != ch {
			t.Errorf("subject %q decodes to %q, %v; want %q", subject, key, err, ch)
		}
	}
}
