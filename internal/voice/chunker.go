package voice

import "strings"

const (
	// clauseFlushLen is the minimum accumulated length before a clause
	// boundary (',', ';', ':') is allowed to flush a chunk.
	clauseFlushLen = 40

	// forceFlushLen is the hard cap: a chunk is flushed at this length even
	// when no boundary has been seen, so pathological run-on output cannot
	// stall synthesis.
	forceFlushLen = 200
)

// Chunker accumulates streamed generation text and cuts it into fragments
// sized for low-latency speech synthesis. Fragments are flushed at sentence
// boundaries ('.', '!', '?'), at clause boundaries (',', ';', ':') once
// [clauseFlushLen] characters have accumulated, and forcibly at
// [forceFlushLen] characters.
//
// Chunker is not safe for concurrent use; each voice turn owns its own.
type Chunker struct {
	buf string
}

// Write appends fragment to the buffer and returns every chunk that became
// ready, in order. The returned slice is nil when no boundary was reached.
func (c *Chunker) Write(fragment string) []string {
	c.buf += fragment

	var out []string
	for {
		cut := c.cutPoint()
		if cut < 0 {
			break
		}
		chunk := strings.TrimSpace(c.buf[:cut])
		c.buf = strings.TrimLeft(c.buf[cut:], " \t\n\r")
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// Flush returns any buffered remainder and empties the chunker. Call it once
// the generation stream has ended so the trailing partial sentence is spoken.
func (c *Chunker) Flush() string {
	rest := strings.TrimSpace(c.buf)
	c.buf = ""
	return rest
}

// cutPoint returns the exclusive end index of the next ready chunk, or -1.
// A boundary character only counts when followed by whitespace, so decimals
// ("2.5 mg") and abbreviations mid-token do not split.
func (c *Chunker) cutPoint() int {
	for i := 0; i+1 < len(c.buf); i++ {
		next := c.buf[i+1]
		if next != ' ' && next != '\n' && next != '\t' && next != '\r' {
			continue
		}
		switch c.buf[i] {
		case '.', '!', '?':
			return i + 1
		case ',', ';', ':':
			if i+1 >= clauseFlushLen {
				return i + 1
			}
		}
	}
	if len(c.buf) >= forceFlushLen {
		return forceFlushLen
	}
	return -1
}
