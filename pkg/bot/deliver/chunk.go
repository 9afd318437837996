package deliver

// SplitChunks cuts text into ordered pieces of at most max runes whose
// concatenation reproduces text exactly. Within each window the cut lands
// just after the last newline, else the last space, so words survive intact
// where one exists in the trailing half of the window; otherwise the cut is
// hard at max.
func SplitChunks(text string, max int) []string {
	if max <= 0 || text == "" {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+max-1)/max)
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := boundary(runes[:max])
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// boundary picks the split index for a full window. Cuts past the midpoint
// only, so no chunk shrinks below half the limit and the chunk count stays
// minimal for boundary-free text.
func boundary(window []rune) int {
	half := len(window) / 2
	for i := len(window) - 1; i > half; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i > half; i-- {
		if window[i] == ' ' {
			return i + 1
		}
	}
	return len(window)
}
