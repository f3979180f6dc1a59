package dispatch

import (
	"strings"
	"unicode/utf8"

	"github.com/chaz8081/bleprobe/internal/message"
)

// Chunk splits the encoded message into pieces of at most max bytes.
// String messages are split on rune boundaries, preferring spaces.
func Chunk(msg message.Message, max int) [][]byte {
	if msg.Kind() != message.KindString {
		return ChunkBytes(msg.Encode(), max)
	}
	texts := ChunkText(msg.Text(), max)
	out := make([][]byte, len(texts))
	for i, t := range texts {
		out[i] = []byte(t)
	}
	return out
}

// ChunkText splits text into chunks of at most max bytes. A chunk never
// ends inside a UTF-8 sequence; when a space is available the split happens
// just after it so the concatenated chunks equal text. Returns nil for
// empty text.
func ChunkText(text string, max int) []string {
	if text == "" || max <= 0 {
		return nil
	}
	var chunks []string
	for len(text) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if sp := strings.LastIndexByte(text[:cut], ' '); sp > 0 {
			cut = sp + 1
		}
		if cut == 0 {
			// max is smaller than the leading rune
			_, cut = utf8.DecodeRuneInString(text)
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

// ChunkBytes splits data into pieces of at most max bytes.
func ChunkBytes(data []byte, max int) [][]byte {
	if len(data) == 0 || max <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+max-1)/max)
	for len(data) > max {
		chunks = append(chunks, data[:max:max])
		data = data[max:]
	}
	return append(chunks, data)
}
