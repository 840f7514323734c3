package relay

import "strings"

// boundaryChars are the sentence and clause delimiters after which synthesis
// has enough text to start producing audio.
const boundaryChars = ".,!?;:"

// ContainsBoundary reports whether s contains at least one sentence or clause
// boundary character.
func ContainsBoundary(s string) bool {
	return strings.ContainsAny(s, boundaryChars)
}
