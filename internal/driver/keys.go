package driver

import (
	"strings"
	"unicode/utf8"
)

// Key describes a keyboard key the way Input.dispatchKeyEvent expects it.
type Key struct {
	Key     string
	Code    string
	KeyCode int
	Text    string
}

var namedKeys = map[string]Key{
	"enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"space":      {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
	"arrowup":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"arrowdown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"arrowleft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"arrowright": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"end":        {Key: "End", Code: "End", KeyCode: 35},
	"pageup":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"pagedown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
}

// LookupKey resolves a key name such as "Enter" or a single character.
func LookupKey(name string) (Key, bool) {
	if key, ok := namedKeys[strings.ToLower(strings.TrimSpace(name))]; ok {
		return key, true
	}
	if name == " " {
		return namedKeys["space"], true
	}
	if utf8.RuneCountInString(name) != 1 {
		return Key{}, false
	}
	r, _ := utf8.DecodeRuneInString(name)
	upper := strings.ToUpper(name)
	code := ""
	keyCode := 0
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		code = "Key" + upper
		keyCode = int(upper[0])
	case r >= '0' && r <= '9':
		code = "Digit" + name
		keyCode = int(r)
	}
	return Key{Key: name, Code: code, KeyCode: keyCode, Text: name}, true
}
