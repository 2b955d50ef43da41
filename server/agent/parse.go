package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrNoMove = errors.New("no move in response")

	moveLine  = regexp.MustCompile(`(?im)^\s*"?move"?\s*[:=]\s*"?([^"\s,}]+)`)
	moveToken = regexp.MustCompile(`\b(O-O(?:-O)?|0-0(?:-0)?|[KQRBN]?[a-h]?[1-8]?x?[a-h][1-8](?:=?[QRBNqrbn])?[+#]?|[a-h][1-8][a-h][1-8][qrbn]?)\b`)
)

// ParseMove pulls a move out of a model reply. It tries a JSON object, a
// JSON object inside other text, a "move: x" line, and finally the last
// move-shaped token.
func ParseMove(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoMove
	}
	if mv, ok := moveFromJSON(raw); ok {
		return mv, nil
	}
	if obj := extractJSONObject(raw); obj != "" {
		if mv, ok := moveFromJSON(obj); ok {
			return mv, nil
		}
	}
	if m := moveLine.FindStringSubmatch(raw); len(m) == 2 {
		return strings.TrimSpace(m[1]), nil
	}
	if all := moveToken.FindAllString(raw, -1); len(all) > 0 {
		return all[len(all)-1], nil
	}
	return "", ErrNoMove
}

func moveFromJSON(s string) (string, bool) {
	var out MoveOut
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return "", false
	}
	mv := strings.TrimSpace(out.Move)
	return mv, mv != ""
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
