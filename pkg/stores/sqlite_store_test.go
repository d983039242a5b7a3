package stores

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "netfab.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// testJob builds a minimal valid job for queue tests
func testJob(name string) model.Job {
	return model.Job{
		ID:   uuid.New(),
		Name: name,
		Kind: model.JobKind{
			Type:     model.JobCommandBatch,
			Commands: []string{"show version"},
		},
		Targets:       model.TargetSelector{Mode: model.TargetAll},
		MaxParallel:   4,
		DeviceTimeout: time.Minute,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "netfab.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"job_records", "device_outcomes", "queue_items", "dead_letters"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestPushIdempotent verifies a duplicate outcome push is a no-op
func TestPushIdempotent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	jobID := uuid.New()
	now := time.Now()

	outcome := &model.DeviceOutcome{
		DeviceID:   "edge-1",
		Status:     model.StatusSucceeded,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Logs:       []string{"$ show version"},
	}

	if err := store.Push(ctx, jobID, outcome); err != nil {
		t.Fatalf("failed to push outcome: %v", err)
	}

	// Second push for the same (job, device) pair must not replace the row
	duplicate := &model.DeviceOutcome{
		DeviceID:   "edge-1",
		Status:     model.StatusFailed,
		StartedAt:  now,
		FinishedAt: now.Add(2 * time.Second),
	}
	if err := store.Push(ctx, jobID, duplicate); err != nil {
		t.Fatalf("failed to push duplicate outcome: %v", err)
	}

	outcomes, err := store.ListOutcomes(ctx, jobID)
	if err != nil {
		t.Fatalf("failed to list outcomes: %v", err)
	}

	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Status != model.StatusSucceeded {
		t.Errorf("expected first write to win with status %s, got %s", model.StatusSucceeded, outcomes[0].Status)
	}
}

// TestOutcomeRoundTrip verifies outcome fields survive storage
func TestOutcomeRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	jobID := uuid.New()
	now := time.Now()

	failed := &model.DeviceOutcome{
		DeviceID:   "edge-1",
		Status:     model.StatusFailed,
		StartedAt:  now,
		FinishedAt: now.Add(3 * time.Second),
		Logs:       []string{"$ show version", "% Invalid input"},
		Diff:       "--- running-config.before\n+++ running-config.after\n",
		Error:      &model.OutcomeError{Kind: "execute", Message: "command rejected"},
	}
	if err := store.Push(ctx, jobID, failed); err != nil {
		t.Fatalf("failed to push failed outcome: %v", err)
	}

	succeeded := &model.DeviceOutcome{
		DeviceID:   "edge-2",
		Status:     model.StatusSucceeded,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}
	if err := store.Push(ctx, jobID, succeeded); err != nil {
		t.Fatalf("failed to push succeeded outcome: %v", err)
	}

	outcomes, err := store.ListOutcomes(ctx, jobID)
	if err != nil {
		t.Fatalf("failed to list outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}

	first := outcomes[0]
	if first.DeviceID != "edge-1" {
		t.Errorf("expected device edge-1 first, got %s", first.DeviceID)
	}
	if len(first.Logs) != 2 || first.Logs[1] != "% Invalid input" {
		t.Errorf("expected logs to round-trip, got %v", first.Logs)
	}
	if first.Diff != failed.Diff {
		t.Errorf("expected diff to round-trip, got %q", first.Diff)
	}
	if first.Error == nil || first.Error.Kind != "execute" || first.Error.Message != "command rejected" {
		t.Errorf("expected error to round-trip, got %v", first.Error)
	}
	if first.StartedAt.Unix() != now.Unix() {
		t.Errorf("expected started_at %d, got %d", now.Unix(), first.StartedAt.Unix())
	}

	second := outcomes[1]
	if second.Error != nil {
		t.Errorf("expected no error on succeeded outcome, got %v", second.Error)
	}
	if len(second.Logs) != 0 {
		t.Errorf("expected no logs on succeeded outcome, got %v", second.Logs)
	}
}

// TestFinalizeOverwrites verifies re-finalizing a job replaces its record
func TestFinalizeOverwrites(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	jobID := uuid.New()
	now := time.Now()

	record := &model.JobRecord{
		JobID:         jobID,
		JobName:       "icmp-baseline",
		StartedAt:     now,
		FinishedAt:    now.Add(time.Minute),
		OverallStatus: model.OverallPartialSuccess,
		Counts:        model.OutcomeCounts{Succeeded: 3, Failed: 1},
	}
	if err := store.Finalize(ctx, record); err != nil {
		t.Fatalf("failed to finalize record: %v", err)
	}

	// A redelivered queue item re-runs the job and finalizes again
	record.OverallStatus = model.OverallSuccess
	record.Counts = model.OutcomeCounts{Succeeded: 4}
	if err := store.Finalize(ctx, record); err != nil {
		t.Fatalf("failed to re-finalize record: %v", err)
	}

	retrieved, err := store.GetRecord(ctx, jobID)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}

	if retrieved.OverallStatus != model.OverallSuccess {
		t.Errorf("expected status %s, got %s", model.OverallSuccess, retrieved.OverallStatus)
	}
	if retrieved.Counts.Succeeded != 4 || retrieved.Counts.Failed != 0 {
		t.Errorf("expected counts to be replaced, got %+v", retrieved.Counts)
	}
	if retrieved.JobName != "icmp-baseline" {
		t.Errorf("expected JobName icmp-baseline, got %s", retrieved.JobName)
	}
	if retrieved.JobID != jobID {
		t.Errorf("expected JobID %s, got %s", jobID, retrieved.JobID)
	}
}

// TestGetRecordNotFound tests lookup of an unknown job
func TestGetRecordNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetRecord(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error when getting unknown record")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

// TestListRecords tests record listing order and pagination
func TestListRecords(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	older := &model.JobRecord{
		JobID:         uuid.New(),
		JobName:       "older",
		StartedAt:     base,
		FinishedAt:    base.Add(time.Minute),
		OverallStatus: model.OverallSuccess,
	}
	newer := &model.JobRecord{
		JobID:         uuid.New(),
		JobName:       "newer",
		StartedAt:     base.Add(30 * time.Minute),
		FinishedAt:    base.Add(31 * time.Minute),
		OverallStatus: model.OverallFailed,
	}

	if err := store.Finalize(ctx, older); err != nil {
		t.Fatalf("failed to finalize older record: %v", err)
	}
	if err := store.Finalize(ctx, newer); err != nil {
		t.Fatalf("failed to finalize newer record: %v", err)
	}

	records, err := store.ListRecords(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].JobName != "newer" {
		t.Errorf("expected newest record first, got %s", records[0].JobName)
	}

	page, err := store.ListRecords(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list second page: %v", err)
	}
	if len(page) != 1 || page[0].JobName != "older" {
		t.Errorf("expected second page to hold the older record, got %v", page)
	}
}

// TestEnqueueDequeueAck tests the basic queue delivery cycle
func TestEnqueueDequeueAck(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	job := testJob("push-ntp")

	itemID, err := store.Enqueue(ctx, &model.QueueItem{
		Job:                  job,
		InventorySnapshotRef: "/var/lib/netfab/inventory.yaml",
	})
	if err != nil {
		t.Fatalf("failed to enqueue item: %v", err)
	}
	if itemID == uuid.Nil {
		t.Fatal("expected a generated item ID")
	}

	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("failed to get queue stats: %v", err)
	}
	if stats.Visible != 1 || stats.Leased != 0 {
		t.Errorf("expected 1 visible item, got %+v", stats)
	}

	item, err := store.Dequeue(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("failed to dequeue item: %v", err)
	}
	if item == nil {
		t.Fatal("expected an item, got nil")
	}
	if item.ItemID != itemID {
		t.Errorf("expected item ID %s, got %s", itemID, item.ItemID)
	}
	if item.Job.ID != job.ID {
		t.Errorf("expected job ID %s, got %s", job.ID, item.Job.ID)
	}
	if item.Job.Name != "push-ntp" {
		t.Errorf("expected job name push-ntp, got %s", item.Job.Name)
	}
	if item.AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", item.AttemptCount)
	}
	if !item.VisibilityDeadline.After(time.Now()) {
		t.Error("expected visibility deadline in the future")
	}
	if item.InventorySnapshotRef != "/var/lib/netfab/inventory.yaml" {
		t.Errorf("expected snapshot ref to round-trip, got %s", item.InventorySnapshotRef)
	}

	stats, err = store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("failed to get queue stats: %v", err)
	}
	if stats.Visible != 0 || stats.Leased != 1 {
		t.Errorf("expected 1 leased item, got %+v", stats)
	}

	// The leased item is invisible to other workers
	second, err := store.Dequeue(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("failed to dequeue while leased: %v", err)
	}
	if second != nil {
		t.Errorf("expected nil while item is leased, got %v", second.ItemID)
	}

	if err := store.Ack(ctx, itemID); err != nil {
		t.Fatalf("failed to ack item: %v", err)
	}

	stats, err = store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("failed to get queue stats: %v", err)
	}
	if stats.Visible != 0 || stats.Leased != 0 {
		t.Errorf("expected empty queue after ack, got %+v", stats)
	}
}

// TestDequeueEmptyQueue tests that an empty queue returns no item
func TestDequeueEmptyQueue(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	item, err := store.Dequeue(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("failed to dequeue from empty queue: %v", err)
	}
	if item != nil {
		t.Errorf("expected nil from empty queue, got %v", item.ItemID)
	}
}

// TestDequeueOrdersByEnqueueTime tests oldest-first delivery
func TestDequeueOrdersByEnqueueTime(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Insert the newer item first to prove ordering is by enqueue time
	newer := &model.QueueItem{Job: testJob("newer"), EnqueuedAt: base.Add(30 * time.Minute)}
	older := &model.QueueItem{Job: testJob("older"), EnqueuedAt: base}

	if _, err := store.Enqueue(ctx, newer); err != nil {
		t.Fatalf("failed to enqueue newer item: %v", err)
	}
	if _, err := store.Enqueue(ctx, older); err != nil {
		t.Fatalf("failed to enqueue older item: %v", err)
	}

	first, err := store.Dequeue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to dequeue first item: %v", err)
	}
	if first == nil || first.Job.Name != "older" {
		t.Fatalf("expected the older item first, got %v", first)
	}

	second, err := store.Dequeue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to dequeue second item: %v", err)
	}
	if second == nil || second.Job.Name != "newer" {
		t.Fatalf("expected the newer item second, got %v", second)
	}
}

// TestVisibilityTimeoutRedelivery tests that an unacked item comes back
func TestVisibilityTimeoutRedelivery(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	itemID, err := store.Enqueue(ctx, &model.QueueItem{Job: testJob("flappy")})
	if err != nil {
		t.Fatalf("failed to enqueue item: %v", err)
	}

	first, err := store.Dequeue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to dequeue item: %v", err)
	}
	if first == nil || first.AttemptCount != 1 {
		t.Fatalf("expected first delivery, got %v", first)
	}

	// Simulate a worker crash: no ack, no nack
	time.Sleep(120 * time.Millisecond)

	second, err := store.Dequeue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to dequeue after lease expiry: %v", err)
	}
	if second == nil {
		t.Fatal("expected redelivery after lease expiry, got nil")
	}
	if second.ItemID != itemID {
		t.Errorf("expected item %s, got %s", itemID, second.ItemID)
	}
	if second.AttemptCount != 2 {
		t.Errorf("expected attempt count 2 on redelivery, got %d", second.AttemptCount)
	}
}

// TestNackReturnsItem tests immediate and delayed requeue
func TestNackReturnsItem(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	itemID, err := store.Enqueue(ctx, &model.QueueItem{Job: testJob("retry-me")})
	if err != nil {
		t.Fatalf("failed to enqueue item: %v", err)
	}

	if _, err := store.Dequeue(ctx, time.Hour); err != nil {
		t.Fatalf("failed to dequeue item: %v", err)
	}

	// Immediate requeue
	if err := store.Nack(ctx, itemID, 0); err != nil {
		t.Fatalf("failed to nack item: %v", err)
	}

	item, err := store.Dequeue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to dequeue after nack: %v", err)
	}
	if item == nil {
		t.Fatal("expected redelivery after nack, got nil")
	}
	if item.AttemptCount != 2 {
		t.Errorf("expected attempt count 2 after nack, got %d", item.AttemptCount)
	}

	// Delayed requeue keeps the item invisible
	if err := store.Nack(ctx, itemID, time.Hour); err != nil {
		t.Fatalf("failed to nack with delay: %v", err)
	}

	delayed, err := store.Dequeue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to dequeue after delayed nack: %v", err)
	}
	if delayed != nil {
		t.Errorf("expected nil while requeue delay holds, got %v", delayed.ItemID)
	}
}

// TestDeadLetterQuarantine tests moving an item to the dead-letter set
func TestDeadLetterQuarantine(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	job := testJob("doomed")
	itemID, err := store.Enqueue(ctx, &model.QueueItem{Job: job})
	if err != nil {
		t.Fatalf("failed to enqueue item: %v", err)
	}

	if _, err := store.Dequeue(ctx, time.Hour); err != nil {
		t.Fatalf("failed to dequeue item: %v", err)
	}

	if err := store.DeadLetter(ctx, itemID, "attempts exhausted"); err != nil {
		t.Fatalf("failed to dead-letter item: %v", err)
	}

	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("failed to get queue stats: %v", err)
	}
	if stats.Visible != 0 || stats.Leased != 0 {
		t.Errorf("expected empty queue after dead-letter, got %+v", stats)
	}
	if stats.DeadLettered != 1 {
		t.Errorf("expected 1 dead-lettered item, got %d", stats.DeadLettered)
	}

	letters, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].ItemID != itemID {
		t.Errorf("expected item ID %s, got %s", itemID, letters[0].ItemID)
	}
	if letters[0].JobID != job.ID {
		t.Errorf("expected job ID %s, got %s", job.ID, letters[0].JobID)
	}
	if letters[0].Reason != "attempts exhausted" {
		t.Errorf("expected reason to be recorded, got %q", letters[0].Reason)
	}
	if letters[0].AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", letters[0].AttemptCount)
	}
	if letters[0].Payload == "" {
		t.Error("expected payload to be preserved for forensics")
	}

	// The quarantined item is gone from the live queue
	if err := store.Ack(ctx, itemID); err == nil {
		t.Error("expected error when acking dead-lettered item")
	}
}

// TestDeadLetterUnknownItem tests quarantining a missing item
func TestDeadLetterUnknownItem(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.DeadLetter(context.Background(), uuid.New(), "no such item")
	if err == nil {
		t.Fatal("expected error when dead-lettering unknown item")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

// TestDequeueCorruptPayload tests detection of undecodable stored items
func TestDequeueCorruptPayload(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	itemID := uuid.New()

	// Write a row whose payload is not valid JSON, bypassing Enqueue
	query := `
		INSERT INTO queue_items (item_id, job_id, payload, inventory_snapshot_ref, enqueued_at, attempt_count, visible_at)
		VALUES (?, ?, ?, '', ?, 0, 0)
	`
	if _, err := store.db.ExecContext(ctx, query, itemID.String(), uuid.New().String(), `{"job": tr`, time.Now().UTC()); err != nil {
		t.Fatalf("failed to insert corrupt row: %v", err)
	}

	_, err := store.Dequeue(ctx, time.Hour)
	if err == nil {
		t.Fatal("expected error dequeuing corrupt item")
	}
	if !errors.Is(err, ErrQueueCorrupt) {
		t.Errorf("expected ErrQueueCorrupt, got %v", err)
	}

	var corrupt *CorruptItemError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptItemError, got %T", err)
	}
	if corrupt.ItemID != itemID {
		t.Errorf("expected item ID %s, got %s", itemID, corrupt.ItemID)
	}

	// The caller can still quarantine the item by ID
	if err := store.DeadLetter(ctx, corrupt.ItemID, "corrupt payload"); err != nil {
		t.Fatalf("failed to dead-letter corrupt item: %v", err)
	}

	item, err := store.Dequeue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to dequeue after quarantine: %v", err)
	}
	if item != nil {
		t.Errorf("expected empty queue after quarantine, got %v", item.ItemID)
	}
}

// TestAckUnknownItem tests acking a missing item
func TestAckUnknownItem(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.Ack(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error when acking unknown item")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

// TestNackUnknownItem tests nacking a missing item
func TestNackUnknownItem(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.Nack(context.Background(), uuid.New(), time.Second)
	if err == nil {
		t.Fatal("expected error when nacking unknown item")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}
