package driver

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKey(t *testing.T) {
	tests := []struct {
		name    string
		wantKey string
		wantOK  bool
	}{
		{name: "Enter", wantKey: "Enter", wantOK: true},
		{name: "escape", wantKey: "Escape", wantOK: true},
		{name: "a", wantKey: "a", wantOK: true},
		{name: "7", wantKey: "7", wantOK: true},
		{name: "NotAKey", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := LookupKey(tc.name)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantKey, key.Key)
			}
		})
	}
}

func TestScriptQuotesSelectors(t *testing.T) {
	script := ClickScript(`button:has-text("Say \"hi\"")`)
	assert.Contains(t, script, `"button:has-text(\"Say \\\"hi\\\"\")"`)
	assert.True(t, strings.HasPrefix(script, "(async () => {"))
	assert.Contains(t, script, "JSON.stringify")
}

func TestResultErr(t *testing.T) {
	require.NoError(t, Result{OK: true}.Err("#a"))

	err := Result{Error: "not_found"}.Err("#a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrElementNotFound))

	err = Result{Error: "element is not a select"}.Err("#a")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrElementNotFound))
	assert.Contains(t, err.Error(), "not a select")
}

func TestDecode(t *testing.T) {
	var out Result
	require.NoError(t, Decode(`{"ok":true,"text":"hi"}`, &out))
	assert.Equal(t, "hi", out.Text)
	require.Error(t, Decode("", &out))
}
