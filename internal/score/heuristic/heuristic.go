// Package heuristic scores chat events against a resolved profile using
// keyword matching and structural signals. Evaluation is a pure
// function of the event and the resolved profile.
package heuristic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/tgsentinel/tg-sentinel/internal/ingest"
	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

// Score contributions for non-keyword signals.
const (
	scoreMentioned = 1.0
	scoreVIP       = 0.8
	scoreReactions = 0.4
	scoreReplies   = 0.4
	scoreCodes     = 1.3
	scoreDocuments = 0.7
	scoreLinks     = 0.5
	scorePolls     = 1.0
	scorePinned    = 1.2
	scoreAdmin     = 0.9
)

// Options carry engagement thresholds from the environment config.
type Options struct {
	ReactionThreshold int
	ReplyThreshold    int
}

// Result is the heuristic evaluation outcome for one event.
type Result struct {
	PreScore    float32
	Reasons     []string
	Annotations map[profile.Category][]string
	ContentHash string
}

// Evaluate scores an event against a resolved profile. It never fails;
// an empty profile yields a zero result with only the content hash set.
func Evaluate(ev *ingest.ChatEvent, rp *profile.Resolved, opts Options) Result {
	res := Result{
		Annotations: make(map[profile.Category][]string),
		ContentHash: ContentHash(ev.Text),
	}

	scoreEngagement(ev, rp, opts, &res)
	scoreKeywords(ev.Text, rp, &res)
	scoreStructural(ev, rp, &res)

	return res
}

func scoreEngagement(ev *ingest.ChatEvent, rp *profile.Resolved, opts Options, res *Result) {
	if ev.Mentioned {
		add(res, scoreMentioned, "mentioned")
	}

	if containsID(rp.VIPSenders, ev.SenderID) {
		add(res, scoreVIP, "vip_sender")
	}

	if opts.ReactionThreshold > 0 && int(ev.ReactionsCount) >= opts.ReactionThreshold {
		add(res, scoreReactions, fmt.Sprintf("reactions:%d", ev.ReactionsCount))
	}

	if opts.ReplyThreshold > 0 && int(ev.RepliesCount) >= opts.ReplyThreshold {
		add(res, scoreReplies, fmt.Sprintf("replies:%d", ev.RepliesCount))
	}
}

func scoreKeywords(text string, rp *profile.Resolved, res *Result) {
	for _, cat := range profile.Categories {
		words := rp.Keywords[cat]
		if len(words) == 0 {
			continue
		}

		matched := matchKeywords(text, words)
		if len(matched) == 0 {
			continue
		}

		weight, ok := rp.Weights[cat]
		if !ok {
			weight = profile.DefaultWeights[cat]
		}

		add(res, weight, fmt.Sprintf("keywords:%s", cat))
		res.Annotations[cat] = matched
	}
}

func scoreStructural(ev *ingest.ChatEvent, rp *profile.Resolved, res *Result) {
	if rp.DetectCodes && ContainsCode(ev.Text) {
		add(res, scoreCodes, "code_block")
	}

	if rp.DetectDocuments && IsDocumentMedia(ev.MediaType) {
		add(res, scoreDocuments, "document")
	}

	if rp.DetectLinks && ContainsLink(ev.Text) {
		add(res, scoreLinks, "link")
	}

	if rp.DetectPolls && ev.MediaType == mediaTypePoll {
		add(res, scorePolls, "poll")
	}

	if rp.PrioritizePinned && ev.IsPinned {
		add(res, scorePinned, "pinned")
	}

	if rp.PrioritizeAdmin && ev.SenderIsAdmin {
		add(res, scoreAdmin, "admin_sender")
	}
}

func add(res *Result, score float32, reason string) {
	res.PreScore += score
	res.Reasons = append(res.Reasons, reason)
}

// matchKeywords returns the keywords found in text, case-insensitively.
// Keywords are regex-escaped, so operator input is matched literally.
func matchKeywords(text string, words []string) []string {
	if len(words) == 0 || text == "" {
		return nil
	}

	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}

	re, err := regexp.Compile(`(?i)` + strings.Join(escaped, "|"))
	if err != nil {
		return nil
	}

	found := re.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(found))
	matched := make([]string, 0, len(found))

	for _, m := range found {
		key := strings.ToLower(m)
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		matched = append(matched, key)
	}

	return matched
}

// ContentHash returns the hex SHA-256 of the message text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}

	return false
}
