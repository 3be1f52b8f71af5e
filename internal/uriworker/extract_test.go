package uriworker

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alt-research/8004-solana-indexer/internal/config"
)

func fieldMap(fields []field) map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.Key] = f
	}
	return m
}

func TestExtractWellKnownFields(t *testing.T) {
	w := testWorker(false)
	doc := []byte(`{
		"name": "Trading <b>Agent</b>",
		"description": "Does <script>alert(1)</script>things",
		"version": "1.2.0",
		"image": "https://cdn.example.com/agent.png",
		"external_url": "javascript:alert(1)",
		"services": [
			{"name": "chat", "endpoint": "https://agent.example.com/chat", "protocol": "a2a"},
			{"name": "", "endpoint": "https://dropped.example.com"}
		],
		"trust_models": ["feedback", "shouting-loudly", "TEE-Attestation"]
	}`)

	fields, err := w.extract(doc)
	require.NoError(t, err)
	m := fieldMap(fields)

	assert.Equal(t, "Trading Agent", string(m["name"].Value))
	assert.NotContains(t, string(m["description"].Value), "<", "description kept markup")
	assert.NotContains(t, m, "external_url", "javascript: url survived validation")
	assert.Contains(t, m, "image", "https image url dropped")

	var services []service
	require.NoError(t, json.Unmarshal(m["services"].Value, &services))
	require.Len(t, services, 1, "nameless service must drop")
	assert.Equal(t, "chat", services[0].Name)

	var models []string
	require.NoError(t, json.Unmarshal(m["trust_models"].Value, &models))
	assert.Len(t, models, 2, "want the two valid enum values")
	for _, f := range fields {
		assert.True(t, f.WellKnown, "standard mode emitted custom field %q", f.Key)
	}
}

func TestExtractInvalidJSON(t *testing.T) {
	w := testWorker(false)
	_, err := w.extract([]byte(`<html>not json</html>`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
	_, err = w.extract([]byte(`["top-level array"]`))
	assert.ErrorIs(t, err, ErrInvalidJSON, "array document")
}

func TestExtractCapsArraysBeforeMapping(t *testing.T) {
	w := testWorker(false)

	var b strings.Builder
	b.WriteString(`{"services":[`)
	for i := 0; i < 500; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"name":"s%d","endpoint":"https://e%d.example.com"}`, i, i)
	}
	b.WriteString(`]}`)

	fields, err := w.extract([]byte(b.String()))
	require.NoError(t, err)
	var services []service
	require.NoError(t, json.Unmarshal(fieldMap(fields)["services"].Value, &services))
	assert.Len(t, services, maxArrayElems, "array must cap before mapping")
}

func TestStripHTMLTruncatesFirst(t *testing.T) {
	// An unterminated tag past the truncation point: truncate-then-strip
	// bounds the regexp input to maxTextLen.
	long := "safe " + strings.Repeat("x", 2*maxTextLen) + "<img src=y>"
	got := stripHTML(long)
	assert.LessOrEqual(t, len(got), maxTextLen)
	assert.NotContains(t, got, "<", "markup survived stripping")

	assert.Equal(t, "hello world", stripHTML("<p>hello <b>world</b></p>"))
}

func TestExtractCustomFieldsFullMode(t *testing.T) {
	w := testWorker(false)
	w.cfg.Metadata.IndexMode = config.MetadataIndexFull

	doc := []byte(`{
		"name": "Agent",
		"homepage_note": "visit <i>often</i>",
		"pricing": {"tier": "free"},
		"_internal": "hidden"
	}`)
	fields, err := w.extract(doc)
	require.NoError(t, err)
	m := fieldMap(fields)

	f, ok := m["homepage_note"]
	require.True(t, ok, "custom string field dropped in full mode")
	assert.False(t, f.WellKnown)
	assert.Equal(t, "visit often", string(f.Value))
	assert.Contains(t, m, "pricing", "custom object field dropped in full mode")
	assert.NotContains(t, m, "_internal", "underscore-prefixed key shadows the reserved namespace")
}
