package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgsentinel/tg-sentinel/internal/coord"
	"github.com/tgsentinel/tg-sentinel/internal/platform/config"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

type fakeTunerStore struct {
	negatives   map[string]int
	adjustments []*storage.ProfileAdjustment
}

func (f *fakeTunerStore) CountNegativeFeedback(_ context.Context, profileID string, _ time.Time) (int, error) {
	return f.negatives[profileID], nil
}

func (f *fakeTunerStore) RecordAdjustment(_ context.Context, a *storage.ProfileAdjustment) error {
	f.adjustments = append(f.adjustments, a)
	return nil
}

type fakeConfigWriter struct {
	doc      *config.Document
	savedDoc *config.Document
	saved    int
}

func (f *fakeConfigWriter) Snapshot() *config.Document { return f.doc }

func (f *fakeConfigWriter) Save(doc *config.Document) error {
	f.savedDoc = doc
	f.saved++

	return nil
}

const tunerDoc = `
profiles:
  incidents:
    name: Incidents
    enabled: true
    min_score: 1.0
    keywords:
      security: [breach]
  ml-papers:
    name: ML papers
    enabled: true
    threshold: 0.7
    positive_samples: ["new transformer architecture"]
`

type fakeConfigNotifier struct {
	published [][]string
}

func (f *fakeConfigNotifier) PublishConfigUpdated(_ context.Context, keys []string) error {
	f.published = append(f.published, keys)
	return nil
}

func newTunerFixture(t *testing.T, negatives map[string]int) (*Tuner, *fakeTunerStore, *fakeConfigWriter) {
	t.Helper()

	logger := zerolog.Nop()

	doc, err := config.ParseDocument([]byte(tunerDoc), &logger)
	require.NoError(t, err)

	store := &fakeTunerStore{negatives: negatives}
	cfg := &fakeConfigWriter{doc: doc}

	return NewTuner(store, cfg, nil, &logger), store, cfg
}

func TestTunerRaisesSemanticThreshold(t *testing.T) {
	tuner, store, cfg := newTunerFixture(t, map[string]int{"ml-papers": 3})

	fb := &storage.Feedback{ChatID: -1, MsgID: 9, Label: storage.LabelNegative, ProfileIDs: []string{"ml-papers"}}
	require.NoError(t, tuner.OnNegativeFeedback(context.Background(), fb))

	require.NotNil(t, cfg.savedDoc)
	def, _ := cfg.savedDoc.Profile("ml-papers")
	assert.InDelta(t, 0.75, def.Threshold, 1e-6)
	assert.Equal(t, 1, cfg.saved)

	require.Len(t, store.adjustments, 1)
	adj := store.adjustments[0]
	assert.Equal(t, storage.AdjustmentRaiseThreshold, adj.AdjustmentType)
	assert.Equal(t, "semantic", adj.ProfileType)
	assert.InDelta(t, 0.7, adj.OldValue, 1e-6)
	require.NotNil(t, adj.TriggerMsgID)
	assert.EqualValues(t, 9, *adj.TriggerMsgID)
}

func TestTunerRaisesKeywordMinScore(t *testing.T) {
	tuner, store, cfg := newTunerFixture(t, map[string]int{"incidents": 4})

	fb := &storage.Feedback{ChatID: -1, MsgID: 1, Label: storage.LabelNegative, ProfileIDs: []string{"incidents"}}
	require.NoError(t, tuner.OnNegativeFeedback(context.Background(), fb))

	require.NotNil(t, cfg.savedDoc)
	def, _ := cfg.savedDoc.Profile("incidents")
	assert.InDelta(t, 1.5, def.MinScore, 1e-6)

	require.Len(t, store.adjustments, 1)
	assert.Equal(t, storage.AdjustmentRaiseMinScore, store.adjustments[0].AdjustmentType)
}

func TestTunerNotifiesConfigChange(t *testing.T) {
	logger := zerolog.Nop()

	doc, err := config.ParseDocument([]byte(tunerDoc), &logger)
	require.NoError(t, err)

	notifier := &fakeConfigNotifier{}
	tuner := NewTuner(&fakeTunerStore{negatives: map[string]int{"incidents": 3}}, &fakeConfigWriter{doc: doc}, notifier, &logger)

	fb := &storage.Feedback{ProfileIDs: []string{"incidents"}}
	require.NoError(t, tuner.OnNegativeFeedback(context.Background(), fb))

	require.Len(t, notifier.published, 1)
	assert.Equal(t, []string{"incidents"}, notifier.published[0])
}

func TestTunerLeavesSnapshotUntouched(t *testing.T) {
	tuner, _, cfg := newTunerFixture(t, map[string]int{"ml-papers": 3, "incidents": 3})

	fb := &storage.Feedback{ProfileIDs: []string{"ml-papers", "incidents"}}
	require.NoError(t, tuner.OnNegativeFeedback(context.Background(), fb))

	// Concurrent scoring readers hold the snapshot; the adjustment must
	// land on a copy published via Save, never in place.
	sem, _ := cfg.doc.Profile("ml-papers")
	assert.InDelta(t, 0.7, sem.Threshold, 1e-6, "live snapshot threshold unchanged")

	kw, _ := cfg.doc.Profile("incidents")
	assert.InDelta(t, 1.0, kw.MinScore, 1e-6, "live snapshot min_score unchanged")

	require.NotNil(t, cfg.savedDoc)
	assert.NotSame(t, cfg.doc, cfg.savedDoc)
}

func TestTunerBelowTriggerNoop(t *testing.T) {
	tuner, store, cfg := newTunerFixture(t, map[string]int{"incidents": 2})

	fb := &storage.Feedback{ProfileIDs: []string{"incidents"}}
	require.NoError(t, tuner.OnNegativeFeedback(context.Background(), fb))

	assert.Zero(t, cfg.saved)
	assert.Empty(t, store.adjustments)
}

func TestTunerRespectsCaps(t *testing.T) {
	tuner, store, cfg := newTunerFixture(t, map[string]int{"ml-papers": 10})

	def, _ := cfg.doc.Profile("ml-papers")
	def.Threshold = thresholdCap

	fb := &storage.Feedback{ProfileIDs: []string{"ml-papers"}}
	require.NoError(t, tuner.OnNegativeFeedback(context.Background(), fb))

	assert.InDelta(t, thresholdCap, def.Threshold, 1e-6)
	assert.Zero(t, cfg.saved)
	assert.Empty(t, store.adjustments)
}

type fakeFeedbackStore struct {
	saved   []*storage.Feedback
	cleared []string
}

func (f *fakeFeedbackStore) SaveFeedback(_ context.Context, fb *storage.Feedback) error {
	f.saved = append(f.saved, fb)
	return nil
}

func (f *fakeFeedbackStore) DeleteSampleEmbeddings(_ context.Context, profileID string) error {
	f.cleared = append(f.cleared, profileID)
	return nil
}

type fakeBatchQueue struct {
	queue   []string
	records []coord.BatchRecord
}

func (f *fakeBatchQueue) SaveBatchQueue(_ context.Context, ids []string) error {
	f.queue = ids
	return nil
}

func (f *fakeBatchQueue) LoadBatchQueue(context.Context) ([]string, error) {
	return f.queue, nil
}

func (f *fakeBatchQueue) RecordBatch(_ context.Context, rec coord.BatchRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(id string) {
	f.invalidated = append(f.invalidated, id)
}

func TestBatchProcessorSubmitAndFlush(t *testing.T) {
	logger := zerolog.Nop()
	store := &fakeFeedbackStore{}
	queue := &fakeBatchQueue{}
	inval := &fakeInvalidator{}
	b := NewBatchProcessor(store, queue, inval, &logger)

	fb := &storage.Feedback{ChatID: -1, MsgID: 1, Label: storage.LabelPositive, ProfileIDs: []string{"ml-papers"}}
	require.NoError(t, b.Submit(context.Background(), fb))

	require.Len(t, store.saved, 1)
	assert.Equal(t, []string{"ml-papers"}, queue.queue, "pending queue persisted")

	b.flush(context.Background(), "test")

	assert.Equal(t, []string{"ml-papers"}, inval.invalidated)
	assert.Equal(t, []string{"ml-papers"}, store.cleared)
	assert.Empty(t, queue.queue, "queue cleared after flush")

	require.Len(t, queue.records, 1)
	assert.Equal(t, "test", queue.records[0].Trigger)
	assert.Equal(t, []string{"ml-papers"}, queue.records[0].ProfileIDs)
}

func TestBatchProcessorRestore(t *testing.T) {
	logger := zerolog.Nop()
	store := &fakeFeedbackStore{}
	queue := &fakeBatchQueue{queue: []string{"a", "b"}}
	inval := &fakeInvalidator{}
	b := NewBatchProcessor(store, queue, inval, &logger)

	require.NoError(t, b.Restore(context.Background()))

	b.flush(context.Background(), "restore")
	assert.ElementsMatch(t, []string{"a", "b"}, inval.invalidated)
}

func TestBatchProcessorFlushEmptyNoop(t *testing.T) {
	logger := zerolog.Nop()
	queue := &fakeBatchQueue{}
	b := NewBatchProcessor(&fakeFeedbackStore{}, queue, &fakeInvalidator{}, &logger)

	b.flush(context.Background(), "noop")
	assert.Empty(t, queue.records)
}
