package profile

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	profiles map[string]*Definition
	ids      []string
}

func (f *fakeIndex) Profile(id string) (*Definition, bool) {
	def, ok := f.profiles[id]
	return def, ok
}

func (f *fakeIndex) ProfileIDs() []string { return f.ids }

func newIndex(defs ...*Definition) *fakeIndex {
	idx := &fakeIndex{profiles: make(map[string]*Definition)}
	for _, d := range defs {
		idx.profiles[d.ID] = d
		idx.ids = append(idx.ids, d.ID)
	}

	return idx
}

func TestResolveMergesBoundProfiles(t *testing.T) {
	logger := zerolog.Nop()

	incidents := &Definition{
		ID:      "incidents",
		Enabled: true,
		Keywords: KeywordSet{
			CategorySecurity: {"exploit", "breach", "breach"},
		},
		ScoringWeights: map[Category]float32{CategorySecurity: 3.0},
		VIPSenders:     []int64{1},
		DetectCodes:    true,
		Channels:       []int64{-100},
	}
	releases := &Definition{
		ID:      "releases",
		Enabled: true,
		Keywords: KeywordSet{
			CategorySecurity: {"cve"},
			CategoryRelease:  {"changelog"},
		},
		ScoringWeights: map[Category]float32{CategorySecurity: 1.0},
		Channels:       []int64{-100},
	}

	r := NewResolver(&logger)
	res := r.Resolve(Entity{ID: -100, Name: "ops"}, newIndex(incidents, releases))

	assert.Equal(t, []string{"incidents", "releases"}, res.ProfileIDs)
	assert.Equal(t, []string{"breach", "cve", "exploit"}, res.Keywords[CategorySecurity], "merged, deduplicated, sorted")
	assert.Equal(t, []string{"changelog"}, res.Keywords[CategoryRelease])
	assert.InDelta(t, 2.0, res.Weights[CategorySecurity], 1e-6, "weights averaged across profiles")
	assert.True(t, res.DetectCodes, "flags OR across contributors")
	assert.Equal(t, []int64{1}, res.VIPSenders)
}

func TestResolveSplitsAlertAndInterestProfiles(t *testing.T) {
	logger := zerolog.Nop()

	keyword := &Definition{ID: "kw", Enabled: true, Keywords: KeywordSet{CategoryGeneral: {"x"}}}
	semantic := &Definition{ID: "sem", Enabled: true, PositiveSamples: []string{"transformer papers"}}

	r := NewResolver(&logger)
	res := r.Resolve(Entity{ID: -1, Profiles: []string{"kw", "sem"}}, newIndex(keyword, semantic))

	require.Len(t, res.AlertProfiles, 1)
	require.Len(t, res.InterestProfiles, 1)
	assert.Equal(t, "kw", res.AlertProfiles[0].ID)
	assert.Equal(t, "sem", res.InterestProfiles[0].ID)
}

func TestResolveSkipsDisabledAndUnknown(t *testing.T) {
	logger := zerolog.Nop()

	disabled := &Definition{ID: "off", Enabled: false, Keywords: KeywordSet{CategoryGeneral: {"x"}}}

	r := NewResolver(&logger)
	res := r.Resolve(Entity{ID: -1, Profiles: []string{"off", "missing"}}, newIndex(disabled))

	assert.Empty(t, res.ProfileIDs)
	assert.Empty(t, res.Keywords)
}

func TestResolveAutoBinding(t *testing.T) {
	logger := zerolog.Nop()

	global := &Definition{ID: "global", Enabled: true, Keywords: KeywordSet{CategoryGeneral: {"g"}}}
	scoped := &Definition{ID: "scoped", Enabled: true, Users: []int64{7}, Keywords: KeywordSet{CategoryGeneral: {"s"}}}

	r := NewResolver(&logger)

	// A channel the scoped profile does not target gets only the global.
	res := r.Resolve(Entity{ID: -1}, newIndex(global, scoped))
	assert.Equal(t, []string{"global"}, res.ProfileIDs)

	// The targeted user gets both.
	res = r.Resolve(Entity{ID: 7, IsUser: true}, newIndex(global, scoped))
	assert.ElementsMatch(t, []string{"global", "scoped"}, res.ProfileIDs)
}

func TestResolveLegacyKeywordsAndOverrides(t *testing.T) {
	logger := zerolog.Nop()

	def := &Definition{
		ID:             "base",
		Enabled:        true,
		Keywords:       KeywordSet{CategoryGeneral: {"base"}},
		ScoringWeights: map[Category]float32{CategoryGeneral: 0.5},
	}

	entity := Entity{
		ID:             -1,
		Profiles:       []string{"base"},
		LegacyKeywords: []string{"legacy"},
		Overrides: &Overrides{
			KeywordsExtra:  KeywordSet{CategoryGeneral: {"extra"}},
			ScoringWeights: map[Category]float32{CategoryGeneral: 9.0},
			ExcludedUsers:  []int64{13},
		},
	}

	res := NewResolver(&logger).Resolve(entity, newIndex(def))

	assert.Equal(t, []string{"base", "extra", "legacy"}, res.Keywords[CategoryGeneral])
	assert.InDelta(t, 9.0, res.Weights[CategoryGeneral], 1e-6, "override replaces the averaged weight")
	assert.Equal(t, []int64{13}, res.ExcludedUsers)
}

func TestResolveDigestPrecedence(t *testing.T) {
	logger := zerolog.Nop()

	profileDigest := &DigestConfig{TopN: 5}
	def := &Definition{ID: "base", Enabled: true, Digest: profileDigest}
	idx := newIndex(def)

	r := NewResolver(&logger)

	entityDigest := &DigestConfig{TopN: 20}
	res := r.Resolve(Entity{ID: -1, Profiles: []string{"base"}, Digest: entityDigest}, idx)
	assert.Same(t, entityDigest, res.Digest, "entity-level wins")

	overrideDigest := &DigestConfig{TopN: 15}
	res = r.Resolve(Entity{ID: -1, Profiles: []string{"base"}, Overrides: &Overrides{Digest: overrideDigest}}, idx)
	assert.Same(t, overrideDigest, res.Digest)

	res = r.Resolve(Entity{ID: -1, Profiles: []string{"base"}}, idx)
	assert.Same(t, profileDigest, res.Digest, "falls back to the first bound profile")
}

func TestCadenceWindowHours(t *testing.T) {
	assert.Equal(t, 1, CadenceHourly.WindowHours())
	assert.Equal(t, 12, CadenceEvery12h.WindowHours())
	assert.Equal(t, 168, CadenceWeekly.WindowHours())
	assert.Zero(t, CadenceNone.WindowHours())
}

func TestDeliveryModeIntents(t *testing.T) {
	assert.True(t, ModeDM.WantsInstant())
	assert.False(t, ModeDM.WantsDigest())
	assert.True(t, ModeBoth.WantsInstant())
	assert.True(t, ModeBoth.WantsDigest())
	assert.False(t, ModeNone.WantsInstant())
	assert.False(t, ModeNone.WantsDigest())
}
