package bytebuddy

import (
	"fmt"
	"strings"
	"unicode"
)

// SplitMessage splits text into chunks of at most maxLength characters,
// for transports with a per-message length limit.
//
// Each cut is made at the last newline within the first maxLength
// characters of the remaining text, or failing that the last space, or
// failing that exactly at maxLength. The character at the cut point and
// any other leading whitespace is dropped from the next chunk, and a
// remainder made only of whitespace is dropped entirely. Text which
// already fits (including empty text) is returned as a single chunk.
//
// A maxLength <= 0 returns [ErrConfiguration].
func SplitMessage(text string, maxLength int) ([]string, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf(
			"%w: max chunk length must be > 0 (got %d)",
			ErrConfiguration,
			maxLength,
		)
	}

	remaining := []rune(text)
	if len(remaining) <= maxLength {
		return []string{text}, nil
	}

	var chunks []string
	for len(remaining) > maxLength {
		window := remaining[:maxLength]
		cut := lastIndexRune(window, '\n')
		if cut == -1 {
			cut = lastIndexRune(window, ' ')
		}
		if cut == -1 {
			cut = maxLength
		}
		chunks = append(chunks, string(remaining[:cut]))
		remaining = []rune(
			strings.TrimLeftFunc(string(remaining[cut:]), unicode.IsSpace),
		)
	}
	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}
	return chunks, nil
}

func lastIndexRune(s []rune, r rune) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == r {
			return i
		}
	}
	return -1
}
