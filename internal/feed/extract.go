package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var cidrLike = regexp.MustCompile(`^[0-9A-Fa-f:.]+/\d{1,3}$`)

// Extract pulls candidate address strings out of a feed body.
//
// JSON bodies are walked recursively: an object's "ipPrefix" value is taken
// as is, "prefix" is combined with "masklength", "maskLength" or "mask" when
// present, and any other string shaped like a CIDR is kept. Anything that is
// not JSON is read as a text list: the first field of every line, with "#"
// and ";" starting a comment.
func Extract(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		var doc any
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse feed json: %w", err)
		}
		var out []string
		walk(doc, &out)
		return out, nil
	}

	return scanText(trimmed)
}

func walk(node any, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		if p, ok := v["ipPrefix"]; ok {
			if s := scalar(p); s != "" {
				*out = append(*out, s)
			}
		} else if p, ok := v["prefix"]; ok {
			if s := scalar(p); s != "" {
				if mask := firstScalar(v, "masklength", "maskLength", "mask"); mask != "" && !strings.Contains(s, "/") {
					s += "/" + mask
				}
				*out = append(*out, s)
			}
		}
		for key, child := range v {
			if key == "ipPrefix" || key == "prefix" {
				continue
			}
			walk(child, out)
		}
	case []any:
		for _, child := range v {
			walk(child, out)
		}
	case string:
		if s := strings.TrimSpace(v); cidrLike.MatchString(s) {
			*out = append(*out, s)
		}
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%d", int(t))
	default:
		return ""
	}
}

func firstScalar(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s := scalar(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func scanText(body []byte) ([]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var out []string
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Join(errors.New("scan feed text"), err)
	}
	return out, nil
}
