package digest

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/platform/config"
	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

// Plan is the merged delivery plan for one cadence, aggregated across
// every profile, channel, and user that enables it.
type Plan struct {
	Schedule profile.Cadence

	TopN     int
	MinScore float32
	Mode     profile.DeliveryMode
	Target   string

	DailyHour  int
	WeeklyDay  int
	WeeklyHour int

	// Owners names the profiles and entities contributing to this plan,
	// sorted, for execution audit.
	Owners []string
}

// Defaults are environment-level fallback digests, applied only for
// cadences the document leaves unconfigured.
type Defaults struct {
	Hourly bool
	Daily  bool
	TopN   int
	Target string
}

func (d Defaults) apply(plans map[profile.Cadence]*Plan) {
	fallback := func(cadence profile.Cadence) {
		if _, ok := plans[cadence]; ok {
			return
		}

		plan := &Plan{
			Schedule: cadence,
			TopN:     d.TopN,
			Mode:     profile.ModeDigest,
			Target:   d.Target,
			Owners:   []string{"env"},
		}

		if plan.TopN <= 0 {
			plan.TopN = profile.DefaultTopN
		}

		if cadence == profile.CadenceDaily {
			plan.DailyHour = profile.DefaultDailyHour
		}

		plans[cadence] = plan
	}

	if d.Hourly {
		fallback(profile.CadenceHourly)
	}

	if d.Daily {
		fallback(profile.CadenceDaily)
	}
}

// contribution is one enabled schedule found during discovery.
type contribution struct {
	owner string
	sc    profile.ScheduleConfig
	dc    *profile.DigestConfig
}

// Discover walks the document and merges every enabled digest schedule
// into per-cadence plans.
//
// Aggregation across contributors: min_score takes the minimum (most
// permissive), top_n the maximum, the delivery mode is kept when
// unanimous (otherwise "both" when a target channel exists, "dm" when
// not), and conflicting targets resolve to the lexicographically
// smallest with a warning.
func Discover(doc *config.Document, logger *zerolog.Logger) map[profile.Cadence]*Plan {
	contribs := make(map[profile.Cadence][]contribution)

	collect := func(owner string, dc *profile.DigestConfig) {
		if dc == nil {
			return
		}

		for _, sc := range dc.Schedules {
			if !sc.Enabled || sc.Schedule == profile.CadenceNone {
				continue
			}

			contribs[sc.Schedule] = append(contribs[sc.Schedule], contribution{owner: owner, sc: sc, dc: dc})
		}
	}

	for _, id := range doc.ProfileIDs() {
		if def, ok := doc.Profile(id); ok {
			collect(id, def.Digest)
		}
	}

	for _, c := range doc.Channels {
		if c.Enabled {
			collect(c.Name, c.Digest)
		}
	}

	for _, u := range doc.Users {
		if u.Enabled {
			collect(u.Name, u.Digest)
		}
	}

	plans := make(map[profile.Cadence]*Plan, len(contribs))
	for cadence, list := range contribs {
		plans[cadence] = merge(cadence, list, logger)
	}

	return plans
}

func merge(cadence profile.Cadence, list []contribution, logger *zerolog.Logger) *Plan {
	plan := &Plan{Schedule: cadence}

	var (
		minScoreSet bool
		modes       = make(map[profile.DeliveryMode]struct{})
		targets     = make(map[string]struct{})
		dailyHours  = make(map[int]int)
		weeklySlots = make(map[[2]int]int)
	)

	for _, c := range list {
		plan.Owners = append(plan.Owners, c.owner)

		topN := c.dc.TopN
		if c.sc.TopN != nil {
			topN = *c.sc.TopN
		}

		if topN > plan.TopN {
			plan.TopN = topN
		}

		minScore := c.dc.MinScore
		if c.sc.MinScore != nil {
			minScore = *c.sc.MinScore
		}

		if !minScoreSet || minScore < plan.MinScore {
			plan.MinScore = minScore
			minScoreSet = true
		}

		mode := c.dc.Mode
		if c.sc.Mode != "" {
			mode = c.sc.Mode
		}

		modes[mode] = struct{}{}

		target := c.dc.TargetChannel
		if c.sc.TargetChannel != "" {
			target = c.sc.TargetChannel
		}

		if target != "" {
			targets[target] = struct{}{}
		}

		dailyHours[c.sc.DailyHour]++
		weeklySlots[[2]int{c.sc.WeeklyDay, c.sc.WeeklyHour}]++
	}

	sort.Strings(plan.Owners)

	if plan.TopN <= 0 {
		plan.TopN = profile.DefaultTopN
	}

	plan.Target = mergeTargets(cadence, targets, logger)
	plan.Mode = mergeModes(modes, plan.Target)
	plan.DailyHour = pluralityInt(dailyHours)

	slot := pluralitySlot(weeklySlots)
	plan.WeeklyDay, plan.WeeklyHour = slot[0], slot[1]

	if cadence == profile.CadenceDaily && plan.DailyHour == 0 {
		plan.DailyHour = profile.DefaultDailyHour
	}

	return plan
}

// mergeModes keeps a unanimous mode. On disagreement the plan widens to
// "both" when a target channel exists to carry the digest half, and
// narrows to "dm" when there is nowhere else to send it.
func mergeModes(modes map[profile.DeliveryMode]struct{}, target string) profile.DeliveryMode {
	if len(modes) == 1 {
		for m := range modes {
			return m
		}
	}

	if target != "" {
		return profile.ModeBoth
	}

	return profile.ModeDM
}

func mergeTargets(cadence profile.Cadence, targets map[string]struct{}, logger *zerolog.Logger) string {
	if len(targets) == 0 {
		return ""
	}

	sorted := make([]string, 0, len(targets))
	for t := range targets {
		sorted = append(sorted, t)
	}

	sort.Strings(sorted)

	if len(sorted) > 1 {
		logger.Warn().
			Str("schedule", string(cadence)).
			Strs("targets", sorted).
			Str("chosen", sorted[0]).
			Msg("conflicting digest targets, using first")
	}

	return sorted[0]
}

func pluralityInt(counts map[int]int) int {
	best, bestCount := 0, -1

	for v, n := range counts {
		if n > bestCount || (n == bestCount && v < best) {
			best, bestCount = v, n
		}
	}

	return best
}

func pluralitySlot(counts map[[2]int]int) [2]int {
	best, bestCount := [2]int{}, -1

	for v, n := range counts {
		if n > bestCount || (n == bestCount && less(v, best)) {
			best, bestCount = v, n
		}
	}

	return best
}

func less(a, b [2]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}

	return a[1] < b[1]
}
