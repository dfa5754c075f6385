// Package logclass implements the deterministic log classification path:
// tokenizing raw log lines, persisting per-tenant template sets in a KV
// cache, and classifying a preprocessed line against that set by
// positional similarity.
package logclass

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Preprocess turns a raw log message into the ordered token sequence used
// for classification: whitespace-split text, with the first embedded
// `{...}` JSON span (if present and parseable) replaced by a depth-first
// flattening of its keys/values/array paths.
func Preprocess(message string) []string {
	start := strings.IndexByte(message, '{')
	end := strings.LastIndexByte(message, '}')
	if start < 0 || end < 0 || end < start {
		return strings.Fields(message)
	}

	prefix := message[:start]
	span := message[start : end+1]
	suffix := message[end+1:]

	tokens, err := flattenJSON(span)
	if err != nil {
		return strings.Fields(message)
	}

	out := strings.Fields(prefix)
	out = append(out, tokens...)
	out = append(out, strings.Fields(suffix)...)
	return out
}

// flattenJSON decodes span token-by-token (rather than into a map[string]any,
// whose key order is randomized by Go's runtime) so that two parses of
// identical JSON text always flatten to the identical token sequence. Object
// keys emit their path before recursing into the value; array elements
// recurse with an indexed path but the index path itself is never emitted;
// scalar leaves are emitted via their decoded textual form.
func flattenJSON(span string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(span)))
	dec.UseNumber()

	var tokens []string
	if err := flattenValue(dec, "", &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func flattenValue(dec *json.Decoder, path string, tokens *[]string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, _ := keyTok.(string)
				childPath := key
				if path != "" {
					childPath = path + "." + key
				}
				*tokens = append(*tokens, childPath)
				if err := flattenValue(dec, childPath, tokens); err != nil {
					return err
				}
			}
			_, err := dec.Token() // consume '}'
			return err
		case '[':
			i := 0
			for dec.More() {
				childPath := path + "[" + strconv.Itoa(i) + "]"
				if err := flattenValue(dec, childPath, tokens); err != nil {
					return err
				}
				i++
			}
			_, err := dec.Token() // consume ']'
			return err
		}
	case string:
		*tokens = append(*tokens, unescapeLeaf(t))
	case json.Number:
		*tokens = append(*tokens, t.String())
	case bool:
		if t {
			*tokens = append(*tokens, "true")
		} else {
			*tokens = append(*tokens, "false")
		}
	case nil:
		*tokens = append(*tokens, "null")
	}
	return nil
}

// unescapeLeaf undoes the literal backslash-escapes JSON leaves sometimes
// carry over from a log line that was itself embedded as a JSON string
// (escaped quotes surviving the outer decode): decoding "\\\"" yields the
// two-rune sequence `\"` rather than the `"` the inner value meant.
func unescapeLeaf(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\'`, `'`)
	return s
}
