package engine

import "fmt"

// pieceBufSize is the first guess for a token's text length.
const pieceBufSize = 16

// Tokenize converts text to token ids, optionally with the model's BOS
// marker first. The byte length of text bounds the token count, so a single
// call normally suffices; a negative answer gets one retry at the size the
// backend asked for.
func Tokenize(m Model, text string, addBOS bool) ([]int32, error) {
	size := len(text)
	if addBOS {
		size++
	}
	buf := make([]int32, size)
	n := m.Tokenize(text, buf, addBOS, false)
	if n < 0 {
		buf = make([]int32, -n)
		n = m.Tokenize(text, buf, addBOS, false)
		if n < 0 {
			return nil, fmt.Errorf("engine: tokenizer needs %d slots after resize", -n)
		}
	}
	return buf[:n], nil
}

// TokenToText returns the text fragment for token. Backends answer a
// too-small buffer with the negated required size; one resized retry is
// made, and a second disagreement yields a TokenToTextError.
func TokenToText(m Model, token int32) (string, error) {
	buf := make([]byte, pieceBufSize)
	n := m.TokenToPiece(token, buf)
	if n >= 0 {
		return string(buf[:n]), nil
	}

	need := -n
	buf = make([]byte, need)
	n = m.TokenToPiece(token, buf)
	if n != need {
		return "", &TokenToTextError{Token: token, Required: need}
	}
	return string(buf[:n]), nil
}
