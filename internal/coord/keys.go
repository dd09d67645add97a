// Package coord wraps the Redis coordination store: schedule state,
// batch-processor persistence, digest execution history, worker
// heartbeats, auth plumbing, and pub/sub between the worker and the
// admin front-end.
package coord

import "fmt"

const keyPrefix = "tgsentinel:"

// Plain keys.
const (
	KeyWorkerStatus       = keyPrefix + "worker_status"
	KeyUserInfo           = keyPrefix + "user_info"
	KeyBatchQueue         = keyPrefix + "batch_processor:queue"
	KeyBatchLastRun       = keyPrefix + "batch_processor:last_batch_time"
	KeyBatchHistory       = keyPrefix + "batch_processor:history"
	KeyReloginHandshake   = keyPrefix + "relogin:handshake"
	KeyAuthQueue          = keyPrefix + "auth_queue"
	KeyAuthResponses      = keyPrefix + "auth_responses"
	KeyLoginProgress      = keyPrefix + "login_progress"
	KeyLogoutProgress     = keyPrefix + "logout_progress"
	KeyExecHistoryGlobal  = keyPrefix + "digest:executions:history"
	ChannelSessionUpdated = keyPrefix + "session_updated"
	ChannelConfigUpdated  = keyPrefix + "config_updated"
	ChannelCacheReady     = keyPrefix + "cache_ready_event"
)

// Session pub/sub event names on ChannelSessionUpdated.
const (
	EventSessionAuthorized = "session_authorized"
	EventSessionImported   = "session_imported"
	EventSessionLogout     = "session_logout"
)

// KeyDigestLastRun returns the persistence key for a schedule's last run.
func KeyDigestLastRun(schedule string) string {
	return fmt.Sprintf("%sdigest:last_run:%s", keyPrefix, schedule)
}

// KeyExecHistory returns the per-profile digest execution history key.
func KeyExecHistory(profileID string) string {
	return fmt.Sprintf("%sdigest:executions:%s", keyPrefix, profileID)
}

// KeyExecLatest returns the latest-execution quick-lookup key.
func KeyExecLatest(profileID string) string {
	return fmt.Sprintf("%sdigest:executions:latest:%s", keyPrefix, profileID)
}

// KeyGenCache returns a generation-scoped UI cache key. Stale handlers
// from an older generation must not touch a newer generation's keys.
func KeyGenCache(generation int64, name string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, generation, name)
}

// KeyAvatar returns an avatar cache key.
func KeyAvatar(prefix string, id int64) string {
	return fmt.Sprintf("%s%s_avatar:%d", keyPrefix, prefix, id)
}
