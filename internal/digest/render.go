package digest

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tgsentinel/tg-sentinel/internal/profile"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

// maxMessageLen is the platform's message size limit.
const maxMessageLen = 4096

const entryExcerptLen = 280

// Render produces the Markdown digest body for a cadence.
func Render(plan *Plan, msgs []storage.StoredMessage, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📋 *%s digest* — %s\n", cadenceLabel(plan.Schedule), now.UTC().Format("2006-01-02 15:04 UTC"))
	fmt.Fprintf(&b, "_%d message(s)_\n\n", len(msgs))

	for i, m := range msgs {
		renderEntry(&b, i+1, &m)
	}

	return b.String()
}

func renderEntry(b *strings.Builder, n int, m *storage.StoredMessage) {
	text := truncate(strings.TrimSpace(m.MessageText), entryExcerptLen)

	title := escape(m.ChatTitle)
	if link := messageLink(m.ChatID, m.MsgID); link != "" {
		title = fmt.Sprintf("[%s](%s)", title, link)
	}

	vip := ""
	if strings.Contains(m.Triggers, "vip_sender") {
		vip = " ⭐"
	}

	fmt.Fprintf(b, "*%d.* %s — %s%s (%.1f)\n", n, title, escape(m.SenderName), vip, m.EffectiveScore())

	if breakdown := scoreBreakdown(m); breakdown != "" {
		fmt.Fprintf(b, "_%s_\n", breakdown)
	}

	if len(m.MatchedProfiles) > 0 {
		fmt.Fprintf(b, "_%s_\n", escape(strings.Join(m.MatchedProfiles, ", ")))
	}

	for _, cat := range profile.Categories {
		if words := m.TriggerAnnotations[string(cat)]; len(words) > 0 {
			fmt.Fprintf(b, "_%s: %s_\n", cat, escape(strings.Join(words, ", ")))
		}
	}

	fmt.Fprintf(b, "%s\n\n", escape(text))
}

// scoreBreakdown formats the per-pipeline scores, omitting a pipeline
// that did not contribute.
func scoreBreakdown(m *storage.StoredMessage) string {
	var parts []string

	if m.KeywordScore > 0 {
		parts = append(parts, fmt.Sprintf("kw %.1f", m.KeywordScore))
	}

	var best float32
	for _, s := range m.SemanticScores {
		if s > best {
			best = s
		}
	}

	if best > 0 {
		parts = append(parts, fmt.Sprintf("sem %.2f", best))
	}

	return strings.Join(parts, " / ")
}

// messageLink builds the public t.me deep link for a channel message.
// Private conversations have no stable link.
func messageLink(chatID, msgID int64) string {
	if chatID >= 0 {
		return ""
	}

	id := -chatID
	// Supergroup IDs carry a -100 prefix on the wire.
	if id > 1_000_000_000_000 {
		id -= 1_000_000_000_000
	}

	return fmt.Sprintf("https://t.me/c/%d/%d", id, msgID)
}

// Chunk splits a digest body into platform-sized messages, breaking at
// newlines. Multi-part digests get a part marker.
func Chunk(body string) []string {
	if len(body) <= maxMessageLen {
		return []string{body}
	}

	// Leave room for the part marker.
	const budget = maxMessageLen - 16

	var parts []string

	for len(body) > 0 {
		if len(body) <= budget {
			parts = append(parts, body)
			break
		}

		cut := strings.LastIndexByte(body[:budget], '\n')
		if cut <= 0 {
			// No newline in range; cut hard, but never inside a rune.
			cut = budget
			for cut > 0 && !utf8.RuneStart(body[cut]) {
				cut--
			}
		}

		parts = append(parts, strings.TrimRight(body[:cut], "\n"))
		body = strings.TrimLeft(body[cut:], "\n")
	}

	for i := range parts {
		parts[i] = fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(parts), parts[i])
	}

	return parts
}

func cadenceLabel(c profile.Cadence) string {
	switch c {
	case profile.CadenceHourly:
		return "Hourly"
	case profile.CadenceEvery4h:
		return "4-hour"
	case profile.CadenceEvery6h:
		return "6-hour"
	case profile.CadenceEvery12h:
		return "12-hour"
	case profile.CadenceDaily:
		return "Daily"
	case profile.CadenceWeekly:
		return "Weekly"
	default:
		return string(c)
	}
}

func escape(s string) string {
	replacer := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}

// truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "…"
}
