package profile

import (
	"github.com/rs/zerolog"
)

// Resolver merges global profiles with entity bindings and overrides.
type Resolver struct {
	logger *zerolog.Logger
}

// NewResolver creates a resolver. The logger is only used to report
// unknown profile bindings; resolution itself never fails.
func NewResolver(logger *zerolog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Index is the resolver's view of the loaded configuration document.
type Index interface {
	Profile(id string) (*Definition, bool)
	ProfileIDs() []string
}

// Resolve produces the merged profile view for one entity.
//
// Merge order: explicitly bound profiles, then auto-bound globals, then
// legacy entity keywords, then overrides. Keyword lists end up
// deduplicated and sorted; detection flags OR across contributors;
// weights are the arithmetic mean across profiles, overwritten by the
// override map.
func (r *Resolver) Resolve(entity Entity, idx Index) *Resolved {
	res := &Resolved{
		EntityID:   entity.ID,
		EntityName: entity.Name,
		IsUser:     entity.IsUser,
		Keywords:   make(KeywordSet),
		Weights:    make(map[Category]float32),
	}

	bound := r.collectBound(entity, idx)
	weightSums := make(map[Category]float32)
	weightCounts := make(map[Category]int)

	for _, def := range bound {
		r.mergeProfile(res, def, weightSums, weightCounts)
	}

	mergeLegacy(res, entity)
	applyOverrides(res, entity.Overrides)
	finalize(res, entity, bound, weightSums, weightCounts)

	return res
}

// collectBound gathers explicit bindings then auto-bound globals,
// deduplicated, preserving order. Unknown IDs are logged and skipped.
func (r *Resolver) collectBound(entity Entity, idx Index) []*Definition {
	var (
		bound []*Definition
		seen  = make(map[string]struct{})
	)

	for _, id := range entity.Profiles {
		def, ok := idx.Profile(id)
		if !ok {
			r.logger.Warn().Str("profile_id", id).Int64("entity_id", entity.ID).Msg("unknown profile binding, skipping")
			continue
		}

		if !def.Enabled {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		bound = append(bound, def)
	}

	for _, id := range idx.ProfileIDs() {
		def, ok := idx.Profile(id)
		if !ok || !def.Enabled {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		if !autoBinds(def, entity) {
			continue
		}

		seen[id] = struct{}{}
		bound = append(bound, def)
	}

	return bound
}

func autoBinds(def *Definition, entity Entity) bool {
	if def.AutoBindsAll() {
		return true
	}

	if entity.IsUser {
		return def.BindsUser(entity.ID)
	}

	return def.BindsChannel(entity.ID)
}

func (r *Resolver) mergeProfile(res *Resolved, def *Definition, sums map[Category]float32, counts map[Category]int) {
	for _, cat := range Categories {
		if words := def.Keywords[cat]; len(words) > 0 {
			res.Keywords[cat] = append(res.Keywords[cat], words...)
		}
	}

	for cat, w := range def.ScoringWeights {
		sums[cat] += w
		counts[cat]++
	}

	res.VIPSenders = append(res.VIPSenders, def.VIPSenders...)
	res.ExcludedUsers = append(res.ExcludedUsers, def.ExcludedUsers...)

	res.DetectCodes = res.DetectCodes || def.DetectCodes
	res.DetectDocuments = res.DetectDocuments || def.DetectDocuments
	res.DetectLinks = res.DetectLinks || def.DetectLinks
	res.DetectPolls = res.DetectPolls || def.DetectPolls
	res.RequireForwarded = res.RequireForwarded || def.RequireForwarded
	res.PrioritizePinned = res.PrioritizePinned || def.PrioritizePinned
	res.PrioritizeAdmin = res.PrioritizeAdmin || def.PrioritizeAdmin

	res.ProfileIDs = append(res.ProfileIDs, def.ID)

	if def.Semantic() {
		res.InterestProfiles = append(res.InterestProfiles, def)
	} else {
		res.AlertProfiles = append(res.AlertProfiles, def)
	}
}

func mergeLegacy(res *Resolved, entity Entity) {
	if len(entity.LegacyKeywords) > 0 {
		res.Keywords[CategoryGeneral] = append(res.Keywords[CategoryGeneral], entity.LegacyKeywords...)
	}

	res.VIPSenders = append(res.VIPSenders, entity.VIPSenders...)
	res.ExcludedUsers = append(res.ExcludedUsers, entity.ExcludedUsers...)
}

func applyOverrides(res *Resolved, ov *Overrides) {
	if ov == nil {
		return
	}

	for _, cat := range Categories {
		if words := ov.KeywordsExtra[cat]; len(words) > 0 {
			res.Keywords[cat] = append(res.Keywords[cat], words...)
		}
	}

	res.ExcludedUsers = append(res.ExcludedUsers, ov.ExcludedUsers...)
}

func finalize(res *Resolved, entity Entity, bound []*Definition, sums map[Category]float32, counts map[Category]int) {
	res.Keywords = res.Keywords.Sorted()

	for cat, sum := range sums {
		res.Weights[cat] = sum / float32(counts[cat])
	}

	if entity.Overrides != nil {
		for cat, w := range entity.Overrides.ScoringWeights {
			res.Weights[cat] = w
		}
	}

	res.Digest = resolveDigest(entity, bound)
}

// resolveDigest picks the digest config by precedence:
// entity-level > override-level > first bound profile's > none.
func resolveDigest(entity Entity, bound []*Definition) *DigestConfig {
	if entity.Digest != nil {
		return entity.Digest
	}

	if entity.Overrides != nil && entity.Overrides.Digest != nil {
		return entity.Overrides.Digest
	}

	for _, def := range bound {
		if def.Digest != nil {
			return def.Digest
		}
	}

	return nil
}
