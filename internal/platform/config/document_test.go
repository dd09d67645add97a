package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

const sampleDoc = `
profiles:
  incidents:
    name: Incidents
    enabled: true
    min_score: 1.0
    keywords:
      security: [breach]
    digest:
      mode: channel
      schedules:
        - schedule: daily
          enabled: true
  ml-papers:
    name: ML papers
    enabled: true
    threshold: 0.7
    positive_samples: ["new transformer architecture"]
channels:
  - id: -100
    name: ops
    enabled: true
    profiles: [incidents]
  - id: -200
    name: off
    enabled: false
users:
  - id: 7
    name: boss
    enabled: true
`

func TestParseDocumentNormalizes(t *testing.T) {
	logger := zerolog.Nop()

	doc, err := ParseDocument([]byte(sampleDoc), &logger)
	require.NoError(t, err)

	assert.Equal(t, []string{"incidents", "ml-papers"}, doc.ProfileIDs(), "sorted for determinism")

	def, ok := doc.Profile("incidents")
	require.True(t, ok)
	assert.Equal(t, "incidents", def.ID, "map key copied into the definition")

	require.NotNil(t, def.Digest)
	assert.Equal(t, profile.ModeDM, def.Digest.Mode, "legacy channel mode normalized to dm")
	assert.Equal(t, profile.DefaultTopN, def.Digest.TopN)
	assert.Equal(t, profile.DefaultDailyHour, def.Digest.Schedules[0].DailyHour)
}

func TestDocumentEntityLookup(t *testing.T) {
	logger := zerolog.Nop()

	doc, err := ParseDocument([]byte(sampleDoc), &logger)
	require.NoError(t, err)

	ch, ok := doc.Channel(-100)
	require.True(t, ok)
	assert.Equal(t, "ops", ch.Name)

	_, ok = doc.Channel(-200)
	assert.False(t, ok, "disabled channel invisible")

	_, ok = doc.Channel(-999)
	assert.False(t, ok)

	u, ok := doc.User(7)
	require.True(t, ok)
	assert.Equal(t, "boss", u.Name)
}

func TestParseDocumentValidation(t *testing.T) {
	logger := zerolog.Nop()

	cases := map[string]string{
		"semantic with keywords": `
profiles:
  bad:
    enabled: true
    positive_samples: ["x"]
    keywords:
      general: [y]
`,
		"threshold out of range": `
profiles:
  bad:
    enabled: true
    threshold: 1.5
`,
		"min_score out of range": `
profiles:
  bad:
    enabled: true
    min_score: 11
`,
		"too many schedules": `
profiles:
  bad:
    enabled: true
    digest:
      schedules:
        - {schedule: hourly, enabled: true}
        - {schedule: every_4h, enabled: true}
        - {schedule: daily, enabled: true}
        - {schedule: weekly, enabled: true}
`,
		"daily_hour out of range": `
profiles:
  bad:
    enabled: true
    digest:
      schedules:
        - {schedule: daily, enabled: true, daily_hour: 24}
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(body), &logger)
			assert.Error(t, err)
		})
	}
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	store, err := NewStore(path, &logger)
	require.NoError(t, err)

	first := store.Snapshot()
	require.NotNil(t, first)

	require.NoError(t, os.WriteFile(path, []byte("profiles: {bad: {enabled: true, threshold: 2}}"), 0o600))
	require.Error(t, store.Reload())
	assert.Same(t, first, store.Snapshot(), "bad reload keeps the previous document")
}

func TestStoreSaveAtomicAndVisible(t *testing.T) {
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	store, err := NewStore(path, &logger)
	require.NoError(t, err)

	doc := store.Snapshot()
	def, ok := doc.Profile("ml-papers")
	require.True(t, ok)
	def.Threshold = 0.75

	require.NoError(t, store.Save(doc))
	assert.Same(t, doc, store.Snapshot())

	// The saved file parses back with the mutation applied.
	reread, err := NewStore(path, &logger)
	require.NoError(t, err)

	saved, ok := reread.Snapshot().Profile("ml-papers")
	require.True(t, ok)
	assert.InDelta(t, 0.75, saved.Threshold, 1e-6)
}
