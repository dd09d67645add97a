package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgsentinel/tg-sentinel/internal/coord"
)

func TestGateLevels(t *testing.T) {
	g := NewGate()
	assert.False(t, g.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.Error(t, g.Wait(ctx), "closed gate blocks until deadline")

	g.Open()
	assert.True(t, g.IsOpen())
	require.NoError(t, g.Wait(context.Background()))

	// Reopen after a close releases new waiters.
	g.Close()
	assert.False(t, g.IsOpen())

	done := make(chan error, 1)
	go func() {
		done <- g.Wait(context.Background())
	}()

	g.Open()
	require.NoError(t, <-done)
}

func writeSessionDB(t *testing.T, path string, withAuthKey bool) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	_, err = db.Exec(`CREATE TABLE sessions (dc_id INTEGER, server_address TEXT, port INTEGER, auth_key BLOB)`)
	require.NoError(t, err)

	if withAuthKey {
		_, err = db.Exec(`INSERT INTO sessions VALUES (2, 'host', 443, x'deadbeef')`)
		require.NoError(t, err)
	}
}

func TestValidateSessionFile(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.session")
	writeSessionDB(t, valid, true)
	require.NoError(t, ValidateSessionFile(valid))

	noKey := filepath.Join(dir, "nokey.session")
	writeSessionDB(t, noKey, false)
	assert.Error(t, ValidateSessionFile(noKey))

	garbage := filepath.Join(dir, "garbage.session")
	require.NoError(t, os.WriteFile(garbage, []byte("not a database"), 0o600))
	assert.Error(t, ValidateSessionFile(garbage))

	assert.Error(t, ValidateSessionFile(filepath.Join(dir, "missing.session")))
}

func TestWriteSessionFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "tg.session")

	err := WriteSessionFile(target, []byte("garbage"))
	require.Error(t, err)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "invalid upload must not land at the target path")
}

func TestWriteSessionFileInstallsValid(t *testing.T) {
	dir := t.TempDir()

	src := filepath.Join(dir, "src.session")
	writeSessionDB(t, src, true)

	data, err := os.ReadFile(src)
	require.NoError(t, err)

	target := filepath.Join(dir, "tg.session")
	require.NoError(t, WriteSessionFile(target, data))
	require.NoError(t, ValidateSessionFile(target))
}

type fakeCoordinator struct {
	events     []coord.SessionEvent
	statuses   []WorkerStatus
	responses  map[string]any
	progress   map[string]any
	handshakes []map[string]any
	deleted    []int64
	cacheReady []int64
	userInfo   any
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{responses: make(map[string]any), progress: make(map[string]any)}
}

func (f *fakeCoordinator) SetWorkerStatus(_ context.Context, status any) error {
	f.statuses = append(f.statuses, status.(WorkerStatus))
	return nil
}

func (f *fakeCoordinator) SetUserInfo(_ context.Context, info any) error {
	f.userInfo = info
	return nil
}

func (f *fakeCoordinator) SetProgress(_ context.Context, key string, progress any) error {
	f.progress[key] = progress
	return nil
}

func (f *fakeCoordinator) SetHandshake(_ context.Context, doc any) error {
	f.handshakes = append(f.handshakes, doc.(map[string]any))
	return nil
}

func (f *fakeCoordinator) PublishCacheReady(_ context.Context, generation int64) error {
	f.cacheReady = append(f.cacheReady, generation)
	return nil
}

func (f *fakeCoordinator) PublishSessionEvent(_ context.Context, ev coord.SessionEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeCoordinator) PopAuthRequest(context.Context, time.Duration) (*coord.AuthRequest, error) {
	return nil, nil
}

func (f *fakeCoordinator) SetAuthResponse(_ context.Context, requestID string, response any) error {
	f.responses[requestID] = response
	return nil
}

func (f *fakeCoordinator) DeleteGenerationCaches(_ context.Context, generation int64) error {
	f.deleted = append(f.deleted, generation)
	return nil
}

func TestControllerImportAndLogout(t *testing.T) {
	logger := zerolog.Nop()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.session")
	writeSessionDB(t, src, true)

	data, err := os.ReadFile(src)
	require.NoError(t, err)

	store := newFakeCoordinator()
	c := NewController(filepath.Join(dir, "tg.session"), store, &logger)

	assert.False(t, c.Authorized.IsOpen())
	assert.EqualValues(t, 0, c.Generation())

	require.NoError(t, c.ImportSession(context.Background(), data))
	assert.True(t, c.Authorized.IsOpen())
	assert.EqualValues(t, 1, c.Generation())

	require.Len(t, store.events, 1)
	assert.Equal(t, coord.EventSessionImported, store.events[0].Event)

	require.NoError(t, c.Logout(context.Background()))
	assert.False(t, c.Authorized.IsOpen())
	assert.EqualValues(t, 2, c.Generation())
	assert.Equal(t, []int64{1}, store.deleted, "old generation's caches cleared")

	require.Len(t, store.events, 2)
	assert.Equal(t, coord.EventSessionLogout, store.events[1].Event)
	assert.Contains(t, store.progress, coord.KeyLoginProgress)
	assert.Contains(t, store.progress, coord.KeyLogoutProgress)
}

func TestControllerBootstrapWithoutSession(t *testing.T) {
	logger := zerolog.Nop()
	store := newFakeCoordinator()
	c := NewController(filepath.Join(t.TempDir(), "missing.session"), store, &logger)

	c.Bootstrap(context.Background())

	assert.False(t, c.Authorized.IsOpen())
	assert.Empty(t, store.events)
}

func TestControllerMarkCacheReadyFencesStaleGeneration(t *testing.T) {
	logger := zerolog.Nop()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.session")
	writeSessionDB(t, src, true)

	data, err := os.ReadFile(src)
	require.NoError(t, err)

	store := newFakeCoordinator()
	c := NewController(filepath.Join(dir, "tg.session"), store, &logger)
	require.NoError(t, c.ImportSession(context.Background(), data))

	c.MarkCacheReady(context.Background(), 0)
	assert.False(t, c.CacheReady.IsOpen(), "stale generation ignored")
	assert.Empty(t, store.cacheReady)

	c.MarkCacheReady(context.Background(), c.Generation())
	assert.True(t, c.CacheReady.IsOpen())
	assert.Equal(t, []int64{1}, store.cacheReady)
}

func TestControllerReloginClosesHandshakeUntilImport(t *testing.T) {
	logger := zerolog.Nop()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.session")
	writeSessionDB(t, src, true)

	data, err := os.ReadFile(src)
	require.NoError(t, err)

	store := newFakeCoordinator()
	c := NewController(filepath.Join(dir, "tg.session"), store, &logger)

	require.NoError(t, c.ImportSession(context.Background(), data))
	assert.True(t, c.Handshake.IsOpen())

	c.BeginRelogin(context.Background())
	assert.False(t, c.Handshake.IsOpen(), "relogin fences client-touching paths")
	assert.True(t, c.Authorized.IsOpen(), "old session stays authorized during relogin")

	require.NotEmpty(t, store.handshakes)
	assert.Equal(t, "awaiting_session", store.handshakes[len(store.handshakes)-1]["state"])

	require.NoError(t, c.ImportSession(context.Background(), data))
	assert.True(t, c.Handshake.IsOpen(), "fresh import completes the handshake")
	assert.EqualValues(t, 2, c.Generation())
	assert.Equal(t, "connected", store.handshakes[len(store.handshakes)-1]["state"])
}

func TestControllerImportPropagatesIdentity(t *testing.T) {
	logger := zerolog.Nop()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.session")
	writeSessionDB(t, src, true)

	data, err := os.ReadFile(src)
	require.NoError(t, err)

	store := newFakeCoordinator()
	c := NewController(filepath.Join(dir, "tg.session"), store, &logger)

	var gotID int64
	c.SetIdentityHandler(func(id int64) { gotID = id })

	payload, err := json.Marshal(map[string]any{"session": data, "user_id": 4242})
	require.NoError(t, err)

	c.handleAuthRequest(context.Background(), &coord.AuthRequest{Action: ActionImportSession, RequestID: "r1", Payload: payload})

	resp, ok := store.responses["r1"].(authResponse)
	require.True(t, ok)
	assert.True(t, resp.OK)
	assert.EqualValues(t, 4242, gotID)
	assert.NotNil(t, store.userInfo, "identity cached for the front-end")
}

func TestControllerHandleAuthStatus(t *testing.T) {
	logger := zerolog.Nop()
	store := newFakeCoordinator()
	c := NewController(filepath.Join(t.TempDir(), "tg.session"), store, &logger)

	c.handleAuthRequest(context.Background(), &coord.AuthRequest{Action: ActionStatus, RequestID: "r1"})

	resp, ok := store.responses["r1"].(authResponse)
	require.True(t, ok)
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Status)
	assert.False(t, resp.Status.Authorized)
}
