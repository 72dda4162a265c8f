// Package chunker incrementally splits a growing text stream into
// TTS-ready sentences as an LLM streams its response.
package chunker

import "strings"

// maxBufferChars is a safety valve: once the undelimited
// remainder exceeds this, it is force-flushed so TTS never stalls waiting
// for a terminator that never arrives.
const maxBufferChars = 2000

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true, '~': true}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// splitAtSentence finds every sentence boundary in text — a terminator in
// sentenceEnders immediately followed by whitespace — and returns
// (completeSentences, remainder). remainder never contains a terminator
// followed by whitespace; a trailing terminator with nothing after it yet
// stays in remainder.
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := 0; i < len(text)-1; i++ {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

// Chunker accumulates streamed tokens and yields complete sentences as soon
// as a boundary appears.
type Chunker struct {
	buf strings.Builder
}

// New returns an empty Chunker.
func New() *Chunker {
	return &Chunker{}
}

// Add appends a token (an LLM delta) and returns any newly complete
// sentences, in order. It is empty when no boundary has appeared yet and
// the remainder has not yet crossed maxBufferChars.
func (c *Chunker) Add(token string) []string {
	c.buf.WriteString(token)
	text := c.buf.String()

	var out []string
	complete, remainder := splitAtSentence(text)
	if complete != "" {
		out = append(out, splitSentences(complete)...)
		c.buf.Reset()
		c.buf.WriteString(remainder)
		text = remainder
	}

	if len(text) > maxBufferChars {
		out = append(out, strings.TrimSpace(text))
		c.buf.Reset()
	}
	return out
}

// Flush returns any remaining buffered text (e.g. once the LLM stream
// closes) and clears the buffer. Returns "" if nothing remains.
func (c *Chunker) Flush() string {
	text := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return text
}

// splitSentences breaks an already-delimited block of text (guaranteed to
// end right after a terminator) into its individual sentences, so Add can
// return several sentences accumulated across a single token.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = []string{strings.TrimSpace(text)}
	}
	return out
}
