package telegram

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4096

// SendMessage delivers text to a chat, split into as many messages as the
// Telegram size limit requires.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for i, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message part %d: %w", i+1, err)
		}
	}
	return nil
}

// chunkMessage splits text into pieces of at most maxLen bytes. It prefers
// to cut after a newline, then after a space, and never inside a rune.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		window := text[:cut]
		if idx := strings.LastIndexByte(window, '\n'); idx > cut/2 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(window, ' '); idx > cut/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
