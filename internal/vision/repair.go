package vision

import "strings"

// repairStep is a pure string transform applied to model output that failed
// to decode. Steps run in order and cumulatively; decoding is retried after
// each one.
type repairStep struct {
	name string
	fn   func(string) string
}

var repairSteps = []repairStep{
	{"strip_fences", stripCodeFences},
	{"trim_prose", trimProse},
	{"balance_braces", balanceBraces},
	{"strip_trailing_commas", stripTrailingCommas},
	{"collapse_empty_arrays", collapseEmptyArrays},
	{"replace_undefined", replaceUndefined},
}

func stripCodeFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || isFenceTag(tag) {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimPrefix(strings.TrimLeft(body, " \t"), "json")
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceTag(tag string) bool {
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// trimProse drops text before the first '{' and after the last '}'. A
// top-level array is left alone so it fails to decode as an analysis.
func trimProse(s string) string {
	if strings.HasPrefix(strings.TrimSpace(s), "[") {
		return s
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	s = s[start:]
	if end := strings.LastIndexByte(s, '}'); end >= 0 {
		tail := strings.TrimSpace(s[end+1:])
		if tail != "" && !strings.ContainsAny(tail, "{[\"") {
			s = s[:end+1]
		}
	}
	return strings.TrimSpace(s)
}

// balanceBraces drops closers with no matching opener and appends the
// closers needed for openers left dangling by truncated output.
func balanceBraces(s string) string {
	var (
		b        strings.Builder
		stack    []byte
		inString bool
		escaped  bool
	)
	b.Grow(len(s) + 8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '{', '[':
			stack = append(stack, c)
			b.WriteByte(c)
		case '}', ']':
			opener := byte('{')
			if c == ']' {
				opener = '['
			}
			idx := lastIndexOf(stack, opener)
			if idx < 0 {
				continue
			}
			for j := len(stack) - 1; j > idx; j-- {
				b.WriteByte(closerFor(stack[j]))
			}
			stack = stack[:idx]
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}

	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}
	for j := len(stack) - 1; j >= 0; j-- {
		out += string(closerFor(stack[j]))
	}
	return out
}

func lastIndexOf(stack []byte, c byte) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == c {
			return i
		}
	}
	return -1
}

func closerFor(opener byte) byte {
	if opener == '[' {
		return ']'
	}
	return '}'
}

// stripTrailingCommas removes commas directly followed by '}' or ']'.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	walkJSON(s, func(i int, c byte, inString bool) {
		if !inString && c == ',' && nextSignificant(s, i+1) != 0 && strings.IndexByte("}]", nextSignificant(s, i+1)) >= 0 {
			return
		}
		b.WriteByte(c)
	})
	return b.String()
}

// collapseEmptyArrays removes leading and repeated commas left behind by
// elided elements, so "[ , ]" becomes "[ ]" and "[a,,b]" becomes "[a,b]".
func collapseEmptyArrays(s string) string {
	var (
		b    strings.Builder
		prev byte
	)
	b.Grow(len(s))
	walkJSON(s, func(i int, c byte, inString bool) {
		if inString {
			b.WriteByte(c)
			prev = c
			return
		}
		if c == ',' && (prev == '[' || prev == ',' || prev == '{') {
			return
		}
		b.WriteByte(c)
		if !isSpace(c) {
			prev = c
		}
	})
	return b.String()
}

func replaceUndefined(s string) string {
	const word = "undefined"
	var b strings.Builder
	b.Grow(len(s))

	skip := 0
	walkJSON(s, func(i int, c byte, inString bool) {
		if skip > 0 {
			skip--
			return
		}
		if !inString && c == 'u' && strings.HasPrefix(s[i:], word) &&
			!isIdentByte(byteAt(s, i-1)) && !isIdentByte(byteAt(s, i+len(word))) {
			b.WriteString("null")
			skip = len(word) - 1
			return
		}
		b.WriteByte(c)
	})
	return b.String()
}

// walkJSON visits every byte of s, reporting whether it sits inside a JSON
// string literal. Quote characters themselves report as inside.
func walkJSON(s string, visit func(i int, c byte, inString bool)) {
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			visit(i, c, true)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
			visit(i, c, true)
		default:
			visit(i, c, false)
		}
	}
}

func nextSignificant(s string, from int) byte {
	for i := from; i < len(s); i++ {
		if !isSpace(s[i]) {
			return s[i]
		}
	}
	return 0
}

func byteAt(s string, i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
