// Package botlib provides a small library for building chat bots that poll
// a room and react to new messages.
package botlib

import (
	"strings"
)

// Message represents a chat message received by the bot.
type Message struct {
	Sequence int
	Room     string
	Author   string
	Content  string

	// Internal: the bot's nickname for mention detection
	botNickname string
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @nickname patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botNickname == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	nickname := strings.ToLower(m.botNickname)

	if strings.Contains(content, "@"+nickname) {
		return true
	}

	// Also check for nickname at start of message (common pattern)
	return strings.HasPrefix(content, nickname+":") ||
		strings.HasPrefix(content, nickname+",") ||
		strings.HasPrefix(content, nickname+" ")
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botNickname == "" {
		return m.Content
	}

	nickname := m.botNickname
	content := strings.TrimSpace(removeFold(m.Content, "@"+nickname))

	if len(content) > len(nickname) && strings.EqualFold(content[:len(nickname)], nickname) {
		switch content[len(nickname)] {
		case ':', ',', ' ':
			content = content[len(nickname)+1:]
		}
	}

	return strings.TrimSpace(content)
}

// removeFold removes every case-insensitive occurrence of tag from s
func removeFold(s, tag string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if i+len(tag) <= len(s) && strings.EqualFold(s[i:i+len(tag)], tag) {
			i += len(tag)
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// Command splits a "!name args" message. ok is false for ordinary messages.
func (m *Message) Command() (name, args string, ok bool) {
	text := strings.TrimSpace(m.MentionedContent())
	if !strings.HasPrefix(text, "!") || len(text) == 1 {
		return "", "", false
	}
	name, args, _ = strings.Cut(text[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}
