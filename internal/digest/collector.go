package digest

import (
	"context"
	"sort"
	"time"

	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

// CandidateStore serves unprocessed feed messages for a schedule.
type CandidateStore interface {
	GetDigestCandidates(ctx context.Context, schedule string, since time.Time) ([]storage.StoredMessage, error)
}

// Collect loads the schedule's candidates within the plan's window,
// filters by the plan's minimum effective score, deduplicates by
// (chat_id, msg_id), and returns the top N by score.
//
// The same message can surface through several profile collections;
// dedup keeps one entry carrying the union of matched profiles, the
// best score, and the latest timestamp.
func Collect(ctx context.Context, store CandidateStore, plan *Plan, now time.Time) ([]storage.StoredMessage, error) {
	since := now.Add(-time.Duration(plan.Schedule.WindowHours()) * time.Hour)

	candidates, err := store.GetDigestCandidates(ctx, string(plan.Schedule), since)
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0]

	for _, m := range candidates {
		if m.EffectiveScore() >= plan.MinScore {
			filtered = append(filtered, m)
		}
	}

	deduped := dedup(filtered)

	sort.SliceStable(deduped, func(i, j int) bool {
		si, sj := deduped[i].EffectiveScore(), deduped[j].EffectiveScore()
		if si != sj {
			return si > sj
		}

		return deduped[i].CreatedAt.After(deduped[j].CreatedAt)
	})

	if len(deduped) > plan.TopN {
		deduped = deduped[:plan.TopN]
	}

	return deduped, nil
}

type messageKey struct {
	chatID int64
	msgID  int64
}

func dedup(msgs []storage.StoredMessage) []storage.StoredMessage {
	byKey := make(map[messageKey]int, len(msgs))
	out := make([]storage.StoredMessage, 0, len(msgs))

	for _, m := range msgs {
		key := messageKey{chatID: m.ChatID, msgID: m.MsgID}

		idx, seen := byKey[key]
		if !seen {
			byKey[key] = len(out)
			out = append(out, m)

			continue
		}

		kept := &out[idx]
		kept.MatchedProfiles = unionStrings(kept.MatchedProfiles, m.MatchedProfiles)

		if m.EffectiveScore() > kept.EffectiveScore() {
			kept.Score = m.Score
			kept.KeywordScore = m.KeywordScore
			kept.SemanticScores = m.SemanticScores
		}

		if m.CreatedAt.After(kept.CreatedAt) {
			kept.CreatedAt = m.CreatedAt
		}
	}

	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	for _, s := range b {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	return out
}
