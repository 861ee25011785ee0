package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	page := `<html><head>
		<title>Title</title>
		<style>body { color: red }</style>
		<script>var hidden = "secret";</script>
	</head><body>
		<h1>Heading</h1>
		<p>First   paragraph
		with  broken    whitespace.</p>
		<noscript>enable javascript</noscript>
		<div>Second paragraph.</div>
	</body></html>`

	text := extractText(strings.NewReader(page))
	require.Contains(t, text, "Heading")
	require.Contains(t, text, "First paragraph with broken whitespace.")
	require.Contains(t, text, "Second paragraph.")
	require.NotContains(t, text, "secret")
	require.NotContains(t, text, "color: red")
	require.NotContains(t, text, "enable javascript")
}

func TestExtractTextEmpty(t *testing.T) {
	require.Equal(t, "", extractText(strings.NewReader("")))
}
