package ir

// IsScannerSpace reports whether the statement lexer treats b as whitespace.
//
// Only the six ASCII characters the lexer skips between tokens count; this is
// not the same set as unicode.IsSpace.
func IsScannerSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// TrimStatement resolves the byte span of one statement inside text.
//
// A negative location means the position is unknown; the whole text is used
// and length is ignored. Otherwise the span starts at location and runs for
// length bytes, where length <= 0 means "rest of string". Out-of-range values
// are clamped to the text. Leading and trailing lexer whitespace is removed.
//
// The returned bounds satisfy 0 <= start <= end <= len(text).
func TrimStatement(text string, location, length int) (start, end int) {
	n := len(text)

	if location < 0 {
		start, end = 0, n
	} else {
		if location > n {
			location = n
		}
		start = location
		if length <= 0 || length > n-location {
			end = n
		} else {
			end = location + length
		}
	}

	for start < end && IsScannerSpace(text[start]) {
		start++
	}
	for end > start && IsScannerSpace(text[end-1]) {
		end--
	}

	return start, end
}

// StatementText returns the trimmed statement span as a string.
func StatementText(text string, location, length int) string {
	start, end := TrimStatement(text, location, length)
	return text[start:end]
}
