package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmonkey/pkg/model"
)

const sample = `// ==UserScript==
// @name         Demo
// @name:zh-CN   演示
// @namespace    https://example.test
// @version      1.2.0
// @description  does things
// @match        *://*.example.test/*
// @match        https://other.test/path/*
// @include      /^https?://regex\.test/
// @exclude      *logout*
// @exclude-match https://example.test/private/*
// @grant        GM_getValue
// @grant	GM_setValue
// @require      https://cdn.test/lib.js
// @resource     logo https://cdn.test/logo.png
// @resource     broken
// @run-at       document-start
// @noframes
// @inject-into  content
// @icon         https://example.test/icon.png
// @homepageURL  https://example.test/home
// ==/UserScript==

console.log("body")
`

func TestParse(t *testing.T) {
	m, err := Parse(sample)
	require.NoError(t, err)
	assert.Equal(t, "Demo", m.Name)
	assert.Equal(t, "https://example.test", m.Namespace)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, "does things", m.Description)
	assert.Equal(t, []string{"*://*.example.test/*", "https://other.test/path/*"}, m.Match)
	assert.Equal(t, []string{`/^https?://regex\.test/`}, m.Include)
	assert.Equal(t, []string{"*logout*"}, m.Exclude)
	assert.Equal(t, []string{"https://example.test/private/*"}, m.ExcludeMatch)
	assert.Equal(t, []string{"GM_getValue", "GM_setValue"}, m.Grant)
	assert.Equal(t, []string{"https://cdn.test/lib.js"}, m.Require)
	assert.Equal(t, map[string]string{"logo": "https://cdn.test/logo.png"}, m.Resources)
	assert.Equal(t, model.RunAtDocumentStart, m.RunAt)
	assert.True(t, m.NoFrames)
	assert.Equal(t, "content", m.InjectInto)
	assert.Equal(t, "https://example.test/icon.png", m.Icon)
	assert.Equal(t, "https://example.test/home", m.HomepageURL)
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse("// ==UserScript==\r\n// @name x\r\n// @run-at sometime\r\n// ==/UserScript==\r\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"none"}, m.Grant)
	assert.Equal(t, model.RunAtDocumentEnd, m.RunAt)
	assert.False(t, m.NoFrames)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		err  error
	}{
		{"no block", "console.log(1)", ErrNoMetaBlock},
		{"unterminated", "// ==UserScript==\n// @name x\n", ErrNoMetaBlock},
		{"no name", "// ==UserScript==\n// @version 1\n// ==/UserScript==", ErrNoName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.code)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
