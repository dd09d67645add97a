package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

// Document is the declarative profile/channel configuration loaded from
// YAML. A loaded document is immutable; reloads swap the whole value.
type Document struct {
	Profiles map[string]*profile.Definition `yaml:"profiles,omitempty"`
	Channels []*profile.ChannelRule         `yaml:"channels,omitempty"`
	Users    []*profile.MonitoredUser       `yaml:"users,omitempty"`

	profileIDs []string
}

// Profile implements profile.Index.
func (d *Document) Profile(id string) (*profile.Definition, bool) {
	def, ok := d.Profiles[id]
	return def, ok
}

// ProfileIDs implements profile.Index; IDs are sorted for determinism.
func (d *Document) ProfileIDs() []string {
	return d.profileIDs
}

// Channel returns the rule for a chat ID, if configured and enabled.
func (d *Document) Channel(id int64) (*profile.ChannelRule, bool) {
	for _, c := range d.Channels {
		if c.ID == id && c.Enabled {
			return c, true
		}
	}

	return nil, false
}

// User returns the monitored user for an ID, if configured and enabled.
func (d *Document) User(id int64) (*profile.MonitoredUser, bool) {
	for _, u := range d.Users {
		if u.ID == id && u.Enabled {
			return u, true
		}
	}

	return nil, false
}

// Clone deep-copies the document so a pending mutation cannot touch the
// snapshot that concurrent readers hold.
func (d *Document) Clone() (*Document, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding document for clone: %w", err)
	}

	clone := &Document{}
	if err := yaml.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("decoding document clone: %w", err)
	}

	for id, def := range clone.Profiles {
		def.ID = id
	}

	clone.profileIDs = append([]string(nil), d.profileIDs...)

	return clone, nil
}

// ParseDocument decodes and normalizes a YAML document.
func ParseDocument(data []byte, logger *zerolog.Logger) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing config document: %w", err)
	}

	normalizeDocument(doc, logger)

	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	return doc, nil
}

func normalizeDocument(doc *Document, logger *zerolog.Logger) {
	ids := make([]string, 0, len(doc.Profiles))

	for id, def := range doc.Profiles {
		def.ID = id
		ids = append(ids, id)

		normalizeDigest(def.Digest, id, logger)
	}

	sort.Strings(ids)
	doc.profileIDs = ids

	for _, c := range doc.Channels {
		normalizeDigest(c.Digest, c.Name, logger)

		if c.Overrides != nil {
			normalizeDigest(c.Overrides.Digest, c.Name, logger)
		}
	}

	for _, u := range doc.Users {
		normalizeDigest(u.Digest, u.Name, logger)

		if u.Overrides != nil {
			normalizeDigest(u.Overrides.Digest, u.Name, logger)
		}
	}
}

// normalizeDigest applies defaults and maps the legacy "channel" delivery
// mode to "dm" (migration shim, warned once per owner).
func normalizeDigest(dc *profile.DigestConfig, owner string, logger *zerolog.Logger) {
	if dc == nil {
		return
	}

	if dc.TopN <= 0 {
		dc.TopN = profile.DefaultTopN
	}

	if dc.Mode == "" {
		dc.Mode = profile.ModeDigest
	}

	if dc.Mode == profile.ModeChannel {
		logger.Warn().Str("owner", owner).Msg("legacy delivery mode \"channel\" normalized to \"dm\"")
		dc.Mode = profile.ModeDM
	}

	for i := range dc.Schedules {
		s := &dc.Schedules[i]

		if s.DailyHour == 0 && s.Schedule == profile.CadenceDaily {
			s.DailyHour = profile.DefaultDailyHour
		}

		if s.Mode == profile.ModeChannel {
			logger.Warn().Str("owner", owner).Msg("legacy delivery mode \"channel\" normalized to \"dm\"")
			s.Mode = profile.ModeDM
		}
	}
}

func validateDocument(doc *Document) error {
	for id, def := range doc.Profiles {
		if def.Semantic() && hasKeywords(def.Keywords) {
			return fmt.Errorf("profile %q: positive_samples and keywords are mutually exclusive", id)
		}

		if def.Threshold < 0 || def.Threshold > 1 {
			return fmt.Errorf("profile %q: threshold %v out of [0,1]", id, def.Threshold)
		}

		if def.MinScore < 0 || def.MinScore > 10 {
			return fmt.Errorf("profile %q: min_score %v out of [0,10]", id, def.MinScore)
		}

		if err := validateDigest(def.Digest, id); err != nil {
			return err
		}
	}

	return nil
}

func validateDigest(dc *profile.DigestConfig, owner string) error {
	if dc == nil {
		return nil
	}

	if len(dc.Schedules) > profile.MaxSchedules {
		return fmt.Errorf("%q: at most %d digest schedules allowed", owner, profile.MaxSchedules)
	}

	for _, s := range dc.Schedules {
		if s.DailyHour < 0 || s.DailyHour > 23 {
			return fmt.Errorf("%q: daily_hour %d out of [0,23]", owner, s.DailyHour)
		}

		if s.WeeklyDay < 0 || s.WeeklyDay > 6 {
			return fmt.Errorf("%q: weekly_day %d out of [0,6]", owner, s.WeeklyDay)
		}

		if s.WeeklyHour < 0 || s.WeeklyHour > 23 {
			return fmt.Errorf("%q: weekly_hour %d out of [0,23]", owner, s.WeeklyHour)
		}

		if s.MinScore != nil && (*s.MinScore < 0 || *s.MinScore > 10) {
			return fmt.Errorf("%q: schedule min_score %v out of [0,10]", owner, *s.MinScore)
		}
	}

	return nil
}

func hasKeywords(ks profile.KeywordSet) bool {
	for _, words := range ks {
		if len(words) > 0 {
			return true
		}
	}

	return false
}

// Store holds the current document and supports atomic reload and save.
// In-flight message processing keeps the snapshot it started with.
type Store struct {
	path    string
	current atomic.Pointer[Document]
	logger  *zerolog.Logger
}

// NewStore loads the document at path and returns a store around it.
func NewStore(path string, logger *zerolog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Snapshot returns the current immutable document.
func (s *Store) Snapshot() *Document {
	return s.current.Load()
}

// Reload re-reads the document from disk. On error the previous document
// stays active.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading config document: %w", err)
	}

	doc, err := ParseDocument(data, s.logger)
	if err != nil {
		return err
	}

	s.current.Store(doc)

	return nil
}

// Save writes the document atomically (temp file, fsync, rename) and
// swaps it in as the current snapshot.
func (s *Store) Save(doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config document: %w", err)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}

	normalizeDocument(doc, s.logger)
	s.current.Store(doc)

	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".sentinel-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp config: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}

	return nil
}
