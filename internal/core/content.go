package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Content is the shape of generated document content, decided once when the
// model response is parsed. It is one of Text, List or Mapping.
type Content interface {
	isContent()
}

// Text is free text or a stringified JSON scalar.
type Text string

// List is a JSON array.
type List []Content

// Field is one key of a Mapping.
type Field struct {
	Key   string
	Value Content
}

// Mapping is a JSON object with its key order preserved.
type Mapping []Field

// Section is a named block of content, the unit the formatter renders as a
// "## Name" heading followed by its body.
type Section struct {
	Name string
	Body Content
}

func (Text) isContent()    {}
func (List) isContent()    {}
func (Mapping) isContent() {}

// Get returns the value stored under key.
func (m Mapping) Get(key string) (Content, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

const nullText = Text("N/A")

// Stringify renders content as a single value. Used where structure cannot
// be shown, such as a nested value on a "key: value" line.
func Stringify(c Content) string {
	switch v := c.(type) {
	case nil:
		return string(nullText)
	case Text:
		return string(v)
	case List:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, Stringify(item))
		}
		return strings.Join(parts, ", ")
	case Mapping:
		parts := make([]string, 0, len(v))
		for _, f := range v {
			parts = append(parts, f.Key+": "+Stringify(f.Value))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}

// DecodeContent parses a single JSON value into Content. Object key order is
// kept. Trailing non-whitespace data is an error.
func DecodeContent(data []byte) (Content, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	c, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return c, nil
}

func decodeValue(dec *json.Decoder) (Content, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := Mapping{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T, not string", keyTok)
				}
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				m = append(m, Field{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return nil, err
			}
			return m, nil
		case '[':
			l := List{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				l = append(l, item)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return nil, err
			}
			return l, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return Text(t), nil
	case json.Number:
		return Text(t.String()), nil
	case bool:
		if t {
			return Text("true"), nil
		}
		return Text("false"), nil
	case nil:
		return nullText, nil
	default:
		return nil, fmt.Errorf("unexpected JSON token %T", tok)
	}
}
