package pch

// matcher finds every occurrence of a pattern in a stream fed chunk by chunk.
// The number of pattern bytes matched so far carries over between chunks, so
// occurrences straddling a read boundary are still found. Overlapping
// occurrences are all reported.
type matcher struct {
	pattern []byte
	fail    []int
	matched int
}

func newMatcher(pattern []byte) *matcher {
	// KMP failure function: fail[i] is the length of the longest proper
	// prefix of pattern[:i+1] that is also its suffix
	fail := make([]int, len(pattern))
	for i, k := 1, 0; i < len(pattern); i++ {
		for k > 0 && pattern[i] != pattern[k] {
			k = fail[k-1]
		}
		if pattern[i] == pattern[k] {
			k++
		}
		fail[i] = k
	}

	return &matcher{pattern: pattern, fail: fail}
}

// feed scans chunk, whose first byte sits at absolute offset base, and reports
// the start offset of each completed match
func (m *matcher) feed(chunk []byte, base int64, onMatch func(start int64)) {
	for i, c := range chunk {
		for m.matched > 0 && c != m.pattern[m.matched] {
			m.matched = m.fail[m.matched-1]
		}

		if c == m.pattern[m.matched] {
			m.matched++
		}

		if m.matched == len(m.pattern) {
			onMatch(base + int64(i) - int64(len(m.pattern)) + 1)
			m.matched = m.fail[m.matched-1]
		}
	}
}

func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func asciiUpper(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
