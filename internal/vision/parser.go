package vision

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultConfidence = 0.5
	unknownObjectName = "unknown object"
)

// parseOutcome records how a raw model reply was interpreted.
type parseOutcome struct {
	repairs  []string
	degraded bool
}

// Parse turns free-form model output into a validated AnalysisResult. It
// never fails: output that cannot be recovered yields a degraded result with
// empty collections.
func Parse(raw string, now time.Time) AnalysisResult {
	res, _ := parseWithOutcome(raw, now)
	return res
}

func parseWithOutcome(raw string, now time.Time) (AnalysisResult, parseOutcome) {
	var out parseOutcome

	doc, ok := decodeObject(raw)
	text := raw
	for _, step := range repairSteps {
		if ok {
			break
		}
		next := step.fn(text)
		if next == text {
			continue
		}
		text = next
		out.repairs = append(out.repairs, step.name)
		doc, ok = decodeObject(text)
	}

	if !ok {
		out.degraded = true
		return degradedResult(now), out
	}
	return coerceResult(doc, now), out
}

func decodeObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

func degradedResult(now time.Time) AnalysisResult {
	return AnalysisResult{
		Objects:          []DetectedObject{},
		Actions:          []Action{},
		SceneDescription: degradedDescription,
		Relationships:    []Relationship{},
		ProducedAtMs:     now.UnixMilli(),
		Degraded:         true,
	}
}

func coerceResult(doc map[string]any, now time.Time) AnalysisResult {
	res := AnalysisResult{
		Objects:          []DetectedObject{},
		Actions:          []Action{},
		Relationships:    []Relationship{},
		SceneDescription: firstString(doc, "sceneDescription", "scene_description", "description"),
		ProducedAtMs:     now.UnixMilli(),
	}

	for _, v := range asSlice(doc["objects"]) {
		if obj, ok := coerceObject(v); ok {
			res.Objects = append(res.Objects, obj)
		}
	}
	for _, v := range asSlice(doc["actions"]) {
		if act, ok := coerceAction(v); ok {
			res.Actions = append(res.Actions, act)
		}
	}
	for _, v := range asSlice(doc["relationships"]) {
		if rel, ok := coerceRelationship(v); ok {
			res.Relationships = append(res.Relationships, rel)
		}
	}
	return res
}

func coerceObject(v any) (DetectedObject, bool) {
	switch t := v.(type) {
	case string:
		name := strings.TrimSpace(t)
		if name == "" {
			return DetectedObject{}, false
		}
		return DetectedObject{Name: name, Confidence: defaultConfidence}, true
	case map[string]any:
		name := firstString(t, "name", "label")
		if name == "" {
			name = unknownObjectName
		}
		return DetectedObject{
			Name:       name,
			Position:   coercePosition(t["position"]),
			Confidence: coerceConfidence(t["confidence"]),
		}, true
	}
	return DetectedObject{}, false
}

// Actions without a description carry no information and are skipped.
func coerceAction(v any) (Action, bool) {
	switch t := v.(type) {
	case string:
		desc := strings.TrimSpace(t)
		if desc == "" {
			return Action{}, false
		}
		return Action{Description: desc, RelatedObjectNames: []string{}, Confidence: defaultConfidence}, true
	case map[string]any:
		desc := firstString(t, "description", "action")
		if desc == "" {
			return Action{}, false
		}
		related := t["relatedObjects"]
		if related == nil {
			related = t["relatedObjectNames"]
		}
		return Action{
			Description:        desc,
			RelatedObjectNames: asStrings(related),
			Confidence:         coerceConfidence(t["confidence"]),
		}, true
	}
	return Action{}, false
}

func coerceRelationship(v any) (Relationship, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Relationship{}, false
	}
	rel := Relationship{
		SubjectName: firstString(m, "subject", "subjectName", "from"),
		ObjectName:  firstString(m, "object", "objectName", "to"),
		Predicate:   firstString(m, "predicate", "relation", "type"),
	}
	if rel.SubjectName == "" || rel.ObjectName == "" {
		return Relationship{}, false
	}
	return rel, true
}

func coercePosition(v any) *Position {
	var x, y float64
	switch t := v.(type) {
	case map[string]any:
		var okX, okY bool
		x, okX = asFloat(t["x"])
		y, okY = asFloat(t["y"])
		if !okX || !okY {
			return nil
		}
	case []any:
		if len(t) < 2 {
			return nil
		}
		var okX, okY bool
		x, okX = asFloat(t[0])
		y, okY = asFloat(t[1])
		if !okX || !okY {
			return nil
		}
	default:
		return nil
	}
	return &Position{X: clampUnit(x), Y: clampUnit(y)}
}

func coerceConfidence(v any) float64 {
	f, ok := asFloat(v)
	if !ok {
		return defaultConfidence
	}
	return clampUnit(f)
}

func clampUnit(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func asFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asStrings(v any) []string {
	out := []string{}
	for _, item := range asSlice(v) {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
