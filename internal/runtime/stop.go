package runtime

import "strings"

// stopIndex returns the index of the earliest stop sequence in text, or -1.
func stopIndex(text string, stops []string) int {
	earliest := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && (earliest < 0 || idx < earliest) {
			earliest = idx
		}
	}
	return earliest
}

// trimAtStop removes text from the first occurrence of any stop sequence.
func trimAtStop(text string, stops []string) string {
	if idx := stopIndex(text, stops); idx >= 0 {
		return text[:idx]
	}
	return text
}

// heldBack is the length of the longest suffix of text that is a proper
// prefix of some stop sequence. That suffix is not streamed yet because the
// next piece may complete the stop.
func heldBack(text string, stops []string) int {
	held := 0
	for _, s := range stops {
		for n := min(len(s)-1, len(text)); n > held; n-- {
			if strings.HasSuffix(text, s[:n]) {
				held = n
				break
			}
		}
	}
	return held
}
