// Package profile defines operator-facing scoring profiles and the
// per-entity resolution that merges them.
//
// A profile is either keyword-based (alert profile) or semantic
// (interest profile, has positive samples) — never both. Channels and
// monitored users bind profiles by ID; global profiles may auto-bind.
package profile

import "sort"

// Category is a keyword category contributing to the heuristic score.
type Category string

// Keyword categories, in canonical order.
const (
	CategorySecurity    Category = "security"
	CategoryUrgency     Category = "urgency"
	CategoryAction      Category = "action"
	CategoryDecision    Category = "decision"
	CategoryImportance  Category = "importance"
	CategoryRelease     Category = "release"
	CategoryRisk        Category = "risk"
	CategoryOpportunity Category = "opportunity"
	CategoryGeneral     Category = "general"
)

// Categories lists all keyword categories in canonical order. Iteration
// over keyword sets must use this order to stay deterministic.
var Categories = []Category{
	CategorySecurity,
	CategoryUrgency,
	CategoryAction,
	CategoryDecision,
	CategoryImportance,
	CategoryRelease,
	CategoryRisk,
	CategoryOpportunity,
	CategoryGeneral,
}

// DefaultWeights are the per-category score contributions used when a
// profile does not override them.
var DefaultWeights = map[Category]float32{
	CategorySecurity:    2.0,
	CategoryUrgency:     1.5,
	CategoryAction:      1.0,
	CategoryDecision:    1.2,
	CategoryImportance:  1.0,
	CategoryRelease:     0.8,
	CategoryRisk:        1.5,
	CategoryOpportunity: 0.7,
	CategoryGeneral:     0.5,
}

// KeywordSet maps a category to its keyword list.
type KeywordSet map[Category][]string

// Clone returns a deep copy of the set.
func (ks KeywordSet) Clone() KeywordSet {
	out := make(KeywordSet, len(ks))
	for cat, words := range ks {
		out[cat] = append([]string(nil), words...)
	}

	return out
}

// Sorted returns a copy with every category deduplicated and sorted
// lexicographically.
func (ks KeywordSet) Sorted() KeywordSet {
	out := make(KeywordSet, len(ks))

	for cat, words := range ks {
		seen := make(map[string]struct{}, len(words))
		unique := make([]string, 0, len(words))

		for _, w := range words {
			if _, ok := seen[w]; ok {
				continue
			}

			seen[w] = struct{}{}
			unique = append(unique, w)
		}

		sort.Strings(unique)
		out[cat] = unique
	}

	return out
}

// Cadence identifies a digest schedule cadence.
type Cadence string

// Supported cadences, highest delivery frequency first.
const (
	CadenceHourly   Cadence = "hourly"
	CadenceEvery4h  Cadence = "every_4h"
	CadenceEvery6h  Cadence = "every_6h"
	CadenceEvery12h Cadence = "every_12h"
	CadenceDaily    Cadence = "daily"
	CadenceWeekly   Cadence = "weekly"
	CadenceNone     Cadence = "none"
)

// CadencePriority orders cadences for primary-schedule selection:
// lower value wins.
var CadencePriority = map[Cadence]int{
	CadenceHourly:   0,
	CadenceEvery4h:  1,
	CadenceEvery6h:  2,
	CadenceEvery12h: 3,
	CadenceDaily:    4,
	CadenceWeekly:   5,
	CadenceNone:     6,
}

// WindowHours returns the collection window for a cadence.
func (c Cadence) WindowHours() int {
	switch c {
	case CadenceHourly:
		return 1
	case CadenceEvery4h:
		return 4
	case CadenceEvery6h:
		return 6
	case CadenceEvery12h:
		return 12
	case CadenceDaily:
		return 24
	case CadenceWeekly:
		return 168
	default:
		return 0
	}
}

// DeliveryMode controls where matched messages are delivered.
type DeliveryMode string

// Delivery modes. ModeChannel is a legacy alias normalized to ModeDM at
// config load.
const (
	ModeNone    DeliveryMode = "none"
	ModeDM      DeliveryMode = "dm"
	ModeDigest  DeliveryMode = "digest"
	ModeBoth    DeliveryMode = "both"
	ModeChannel DeliveryMode = "channel"
)

// WantsInstant reports whether the mode triggers immediate delivery.
func (m DeliveryMode) WantsInstant() bool {
	return m == ModeDM || m == ModeBoth
}

// WantsDigest reports whether the mode includes the message in digests.
func (m DeliveryMode) WantsDigest() bool {
	return m == ModeDigest || m == ModeBoth
}

// ScheduleConfig configures one digest cadence for a profile or entity.
type ScheduleConfig struct {
	Schedule      Cadence      `yaml:"schedule"`
	Enabled       bool         `yaml:"enabled"`
	TopN          *int         `yaml:"top_n,omitempty"`
	MinScore      *float32     `yaml:"min_score,omitempty"`
	DailyHour     int          `yaml:"daily_hour"`
	WeeklyDay     int          `yaml:"weekly_day"`
	WeeklyHour    int          `yaml:"weekly_hour"`
	Mode          DeliveryMode `yaml:"mode,omitempty"`
	TargetChannel string       `yaml:"target_channel,omitempty"`
}

// DigestConfig groups digest schedules and defaults for a profile or entity.
type DigestConfig struct {
	Schedules     []ScheduleConfig `yaml:"schedules,omitempty"`
	TopN          int              `yaml:"top_n"`
	MinScore      float32          `yaml:"min_score"`
	Mode          DeliveryMode     `yaml:"mode"`
	TargetChannel string           `yaml:"target_channel,omitempty"`
}

// MaxSchedules bounds the number of cadences a single digest config may carry.
const MaxSchedules = 3

// DefaultTopN is the digest entry count when unset.
const DefaultTopN = 10

// DefaultDailyHour is the send hour for daily digests when unset.
const DefaultDailyHour = 8

// Definition is an operator-defined scoring profile.
type Definition struct {
	ID              string               `yaml:"-"`
	Name            string               `yaml:"name"`
	Enabled         bool                 `yaml:"enabled"`
	Channels        []int64              `yaml:"channels,omitempty"`
	Users           []int64              `yaml:"users,omitempty"`
	Keywords        KeywordSet           `yaml:"keywords,omitempty"`
	VIPSenders      []int64              `yaml:"vip_senders,omitempty"`
	ExcludedUsers   []int64              `yaml:"excluded_users,omitempty"`
	PositiveSamples []string             `yaml:"positive_samples,omitempty"`
	NegativeSamples []string             `yaml:"negative_samples,omitempty"`
	Threshold       float32              `yaml:"threshold"`
	MinScore        float32              `yaml:"min_score"`
	ScoringWeights  map[Category]float32 `yaml:"scoring_weights,omitempty"`
	Digest          *DigestConfig        `yaml:"digest,omitempty"`

	DetectCodes      bool `yaml:"detect_codes"`
	DetectDocuments  bool `yaml:"detect_documents"`
	DetectLinks      bool `yaml:"detect_links"`
	DetectPolls      bool `yaml:"detect_polls"`
	RequireForwarded bool `yaml:"require_forwarded"`
	PrioritizePinned bool `yaml:"prioritize_pinned"`
	PrioritizeAdmin  bool `yaml:"prioritize_admin"`
}

// Semantic reports whether the profile runs the embedding pipeline.
// A profile with positive samples never runs the keyword pipeline.
func (d *Definition) Semantic() bool {
	return len(d.PositiveSamples) > 0
}

// AutoBindsAll reports whether the profile binds to every entity.
func (d *Definition) AutoBindsAll() bool {
	return len(d.Channels) == 0 && len(d.Users) == 0
}

// BindsChannel reports whether the profile explicitly targets the channel.
func (d *Definition) BindsChannel(id int64) bool {
	return containsID(d.Channels, id)
}

// BindsUser reports whether the profile explicitly targets the user.
func (d *Definition) BindsUser(id int64) bool {
	return containsID(d.Users, id)
}

// Overrides are additive/replacement tweaks a channel or user applies on
// top of its bound profiles.
type Overrides struct {
	KeywordsExtra  KeywordSet           `yaml:"keywords_extra,omitempty"`
	ScoringWeights map[Category]float32 `yaml:"scoring_weights,omitempty"`
	Digest         *DigestConfig        `yaml:"digest,omitempty"`
	ExcludedUsers  []int64              `yaml:"excluded_users,omitempty"`
}

// ChannelRule binds profiles and overrides to a chat.
type ChannelRule struct {
	ID            int64         `yaml:"id"`
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Profiles      []string      `yaml:"profiles,omitempty"`
	Overrides     *Overrides    `yaml:"overrides,omitempty"`
	Digest        *DigestConfig `yaml:"digest,omitempty"`
	VIPSenders    []int64       `yaml:"vip_senders,omitempty"`
	ExcludedUsers []int64       `yaml:"excluded_users,omitempty"`

	// Legacy flat keyword list, merged into the general category.
	Keywords []string `yaml:"keywords,omitempty"`
}

// MonitoredUser binds profiles and overrides to a direct conversation.
type MonitoredUser struct {
	ID            int64         `yaml:"id"`
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Profiles      []string      `yaml:"profiles,omitempty"`
	Overrides     *Overrides    `yaml:"overrides,omitempty"`
	Digest        *DigestConfig `yaml:"digest,omitempty"`
	VIPSenders    []int64       `yaml:"vip_senders,omitempty"`
	ExcludedUsers []int64       `yaml:"excluded_users,omitempty"`
	Keywords      []string      `yaml:"keywords,omitempty"`
}

// Entity is the resolver's uniform view of a channel rule or monitored user.
type Entity struct {
	ID             int64
	Name           string
	IsUser         bool
	Profiles       []string
	Overrides      *Overrides
	Digest         *DigestConfig
	VIPSenders     []int64
	ExcludedUsers  []int64
	LegacyKeywords []string
}

// EntityFromChannel adapts a channel rule for resolution.
func EntityFromChannel(c *ChannelRule) Entity {
	return Entity{
		ID:             c.ID,
		Name:           c.Name,
		Profiles:       c.Profiles,
		Overrides:      c.Overrides,
		Digest:         c.Digest,
		VIPSenders:     c.VIPSenders,
		ExcludedUsers:  c.ExcludedUsers,
		LegacyKeywords: c.Keywords,
	}
}

// EntityFromUser adapts a monitored user for resolution.
func EntityFromUser(u *MonitoredUser) Entity {
	return Entity{
		ID:             u.ID,
		Name:           u.Name,
		IsUser:         true,
		Profiles:       u.Profiles,
		Overrides:      u.Overrides,
		Digest:         u.Digest,
		VIPSenders:     u.VIPSenders,
		ExcludedUsers:  u.ExcludedUsers,
		LegacyKeywords: u.Keywords,
	}
}

// Resolved is the merged per-entity view produced by Resolve. It is a
// plain value: same inputs produce an identical Resolved.
type Resolved struct {
	EntityID   int64
	EntityName string
	IsUser     bool

	Keywords KeywordSet
	Weights  map[Category]float32

	VIPSenders    []int64
	ExcludedUsers []int64

	DetectCodes      bool
	DetectDocuments  bool
	DetectLinks      bool
	DetectPolls      bool
	RequireForwarded bool
	PrioritizePinned bool
	PrioritizeAdmin  bool

	Digest *DigestConfig

	// ProfileIDs preserves binding order of the contributing profiles.
	ProfileIDs []string

	// AlertProfiles and InterestProfiles split the bound profiles by
	// pipeline; a profile appears in exactly one of the two.
	AlertProfiles    []*Definition
	InterestProfiles []*Definition
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}

	return false
}
