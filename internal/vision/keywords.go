package vision

import "strings"

// visualKeywords mark a query as being about what is currently on camera or
// on screen. Matching is a case-insensitive substring test.
var visualKeywords = []string{
	"see", "look", "screen", "showing", "display", "shown",
	"visual", "image", "picture", "photo", "view", "monitor",
	"camera", "webcam", "what's on", "what is on",
}

// NeedsVisualContext reports whether answering command should include the
// current context window images.
func NeedsVisualContext(command string) bool {
	command = strings.ToLower(command)
	for _, kw := range visualKeywords {
		if strings.Contains(command, kw) {
			return true
		}
	}
	return false
}
