package vision

import (
	"fmt"
	"strings"
	"time"
)

const analysisInstructions = `You are watching a live video feed. The attached images are the most recent frames, oldest first; the last image is the current frame.
Respond with a single JSON object and nothing else, using this shape:
{"objects":[{"name":"string","position":{"x":0.0,"y":0.0},"confidence":0.0}],"actions":[{"description":"string","relatedObjects":["string"],"confidence":0.0}],"sceneDescription":"string","relationships":[{"subject":"string","object":"string","predicate":"string"}]}
Positions are normalized to 0..1 from the top-left corner. Confidence is between 0 and 1. Use short lowercase object names and reuse the same name for the same object across frames.`

// BuildAnalysisPrompt describes the frames in the context window so the model
// can ground temporal changes.
func BuildAnalysisPrompt(window []Sample) string {
	var b strings.Builder
	b.WriteString(analysisInstructions)

	if len(window) > 1 {
		newest := window[len(window)-1].CapturedAtMs
		b.WriteString("\n\nFrames:")
		for i, s := range window {
			fmt.Fprintf(&b, "\n%d. %s, %s before the current frame", i+1, sourceLabel(s.Source), formatAge(newest-s.CapturedAtMs))
		}
	}
	return b.String()
}

// BuildQueryPrompt embeds the command with the current scene memory. Only
// objects and actions in snap are described; nothing is fetched elsewhere.
func BuildQueryPrompt(command string, snap SceneSnapshot, withImages bool) string {
	var b strings.Builder
	b.WriteString("You are a helpful voice and video assistant. Answer the user's request using the scene information below. ")
	b.WriteString("If the information is not enough to answer, say so instead of guessing.\n")

	b.WriteString("\nCurrent scene: ")
	if snap.SceneDescription == "" {
		b.WriteString("unknown")
	} else {
		b.WriteString(snap.SceneDescription)
	}

	b.WriteString("\n\nVisible objects:")
	if len(snap.Objects) == 0 {
		b.WriteString(" none")
	}
	for _, obj := range snap.Objects {
		fmt.Fprintf(&b, "\n- %s (confidence %.2f, last seen %s ago", obj.Name, obj.Confidence, formatAge(obj.AgeMs))
		if obj.Position != nil {
			fmt.Fprintf(&b, ", at x=%.2f y=%.2f", obj.Position.X, obj.Position.Y)
		}
		b.WriteString(")")
	}

	b.WriteString("\n\nRecent actions:")
	if len(snap.Actions) == 0 {
		b.WriteString(" none")
	}
	for _, act := range snap.Actions {
		fmt.Fprintf(&b, "\n- %s", act.Description)
		if len(act.RelatedObjectNames) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(act.RelatedObjectNames, ", "))
		}
	}

	if withImages {
		b.WriteString("\n\nThe most recent frames are attached, oldest first.")
	}

	fmt.Fprintf(&b, "\n\nUser request: %s", command)
	return b.String()
}

func sourceLabel(src Source) string {
	if src == "" {
		return "frame"
	}
	return string(src) + " frame"
}

func formatAge(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}
