package sync

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/config"
	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/connection"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/features/jobqueue"
	"brd-sync/internal/features/webhook"
	"brd-sync/internal/jira"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const testConn = "conn-1"

type harness struct {
	svc       *SyncServiceImpl
	queue     *jobqueue.Queue
	local     *fakeStore
	remote    *fakeJira
	mappings  *fakeMappings
	conflicts *fakeConflicts
	creds     *fakeCredentials
	audit     *fakeAudit
}

func testRules() []fieldmap.Rule {
	return []fieldmap.Rule{
		{SourceField: "title", TargetField: "summary", Direction: fieldmap.Bidirectional, Transform: fieldmap.TransformIdentity, Required: true, Active: true, Order: 1},
		{SourceField: "priority", TargetField: "priority", Direction: fieldmap.Bidirectional, Transform: fieldmap.TransformPluckNested,
			TransformConfig: map[string]interface{}{"path": "name", "nested": "target"}, Active: true, Order: 2},
		{SourceField: "labels", TargetField: "labels", Direction: fieldmap.Bidirectional, Transform: fieldmap.TransformIdentity, Active: true, Order: 3},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{Sync: config.SyncConfig{
		Concurrency: 2,
		MaxRetries:  2,
		Backoff:     []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}}
	h := &harness{
		queue:     jobqueue.NewQueue(cfg, jobqueue.NewMemoryBackend(), nil, zap.NewNop()),
		local:     newFakeStore(),
		remote:    newFakeJira(),
		mappings:  newFakeMappings(),
		conflicts: &fakeConflicts{},
		creds:     newFakeCredentials(testConn),
		audit:     &fakeAudit{},
	}
	remote := func(tok *connection.Token) jira.Client { return h.remote }
	h.svc = NewSyncService(cfg, h.queue, h.mappings, h.conflicts, conflict.NewResolver(), &fakeRules{rules: testRules()},
		fieldmap.NewEngine(), h.creds, h.local, remote, jobqueue.NewMemoryLocker(), h.audit, zap.NewNop()).(*SyncServiceImpl)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.queue.Start(context.Background(), h.svc); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.queue.Stop(ctx)
	})
}

// seedMapping stores a mapping last synced an hour ago.
func (h *harness) seedMapping(t *testing.T, localID, key string, base map[string]interface{}) *Mapping {
	t.Helper()
	synced := time.Now().Add(-time.Hour)
	m := &Mapping{
		ConnectionID: testConn,
		LocalID:      localID,
		RemoteKey:    key,
		RemoteID:     "id-" + key,
		BaseValues:   base,
		LastSyncedAt: &synced,
		SyncEnabled:  true,
		AutoSync:     true,
	}
	if err := h.mappings.Create(context.Background(), m); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	return m
}

func (h *harness) job(t *testing.T, id string) *jobqueue.Job {
	t.Helper()
	job, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func (h *harness) waitStatus(t *testing.T, id string, status jobqueue.Status) *jobqueue.Job {
	t.Helper()
	var job *jobqueue.Job
	waitFor(t, "job "+string(status), func() bool {
		job = h.job(t, id)
		return job.Status == status
	})
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSyncPushesLocalOnlyChange(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "Y", "priority": "low"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X", "priority": map[string]interface{}{"name": "low"}})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.start(t)

	job, err := h.svc.SyncExistingMapping(context.Background(), m.ID.Hex(), SyncMappingRequest{})
	if err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}
	if job.Direction != jobqueue.Bidirectional {
		t.Errorf("direction = %s, want bidirectional", job.Direction)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	upd := h.remote.lastUpdate()
	if upd.Key != "PROJ-1" || len(upd.Fields) != 1 || upd.Fields["summary"] != "Y" {
		t.Errorf("remote update = %+v, want only summary=Y", upd)
	}
	if n := len(h.conflicts.all()); n != 0 {
		t.Errorf("conflicts = %d, want 0", n)
	}
	got, _ := h.mappings.FindByID(context.Background(), m.ID.Hex())
	if got.BaseValues["title"] != "Y" {
		t.Errorf("base title = %v, want Y", got.BaseValues["title"])
	}
	if h.creds.touched == 0 {
		t.Error("connection last sync was not recorded")
	}
}

func TestSyncPullsRemoteOnlyChange(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X", "priority": map[string]interface{}{"name": "high"}})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.start(t)

	job, err := h.svc.SyncExistingMapping(context.Background(), m.ID.Hex(), SyncMappingRequest{})
	if err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	if got := h.local.fields("brd-1")["priority"]; got != "high" {
		t.Errorf("local priority = %v, want high", got)
	}
	if n := h.remote.updateCount(); n != 0 {
		t.Errorf("remote updates = %d, want 0", n)
	}
}

func TestManualConflictParksJobUntilResolved(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "X", "priority": "high"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X", "priority": map[string]interface{}{"name": "medium"}})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.start(t)
	ctx := context.Background()

	job, err := h.svc.SyncExistingMapping(ctx, m.ID.Hex(), SyncMappingRequest{})
	if err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}
	waitFor(t, "job to park", func() bool {
		j := h.job(t, job.ID.Hex())
		return j.Status == jobqueue.StatusInProgress && j.AwaitingResolution
	})

	conflicts := h.conflicts.all()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Field != "priority" || c.LocalValue != "high" || c.RemoteValue != "medium" || c.BaseValue != "low" {
		t.Errorf("conflict = %+v", c)
	}
	if c.Status != conflict.StatusPending || c.SyncJobID != job.ID.Hex() {
		t.Errorf("conflict status = %s job = %s", c.Status, c.SyncJobID)
	}
	// both sides were saved just now, long after the last sync
	if c.ConflictType != conflict.TypeConcurrentModification {
		t.Errorf("conflict type = %s, want concurrent_modification", c.ConflictType)
	}
	if n := h.remote.updateCount(); n != 0 {
		t.Errorf("remote updates before resolution = %d, want 0", n)
	}

	resolved, err := h.svc.ResolveConflict(ctx, c.ID.Hex(), ResolveRequest{Strategy: conflict.KeepLocal})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolved.Status != conflict.StatusResolved || resolved.ResolvedValue != "high" {
		t.Errorf("resolved = %s %v", resolved.Status, resolved.ResolvedValue)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	waitFor(t, "resolved value to reach jira", func() bool {
		p, ok := h.remote.field("PROJ-1", "priority").(map[string]interface{})
		return ok && p["name"] == "high"
	})
	waitFor(t, "conflict to be marked applied", func() bool {
		got, _ := h.conflicts.FindByID(ctx, c.ID.Hex())
		return got.AppliedAt != nil
	})
	if got := h.local.fields("brd-1")["priority"]; got != "high" {
		t.Errorf("local priority = %v, want high", got)
	}
	if h.audit.count(common_models.AuditActionConflict) == 0 {
		t.Error("resolution was not audited")
	}

	if _, err := h.svc.ResolveConflict(ctx, c.ID.Hex(), ResolveRequest{Strategy: conflict.KeepRemote}); !errors.Is(err, conflict.ErrAlreadySettled) {
		t.Errorf("second resolve err = %v, want ErrAlreadySettled", err)
	}
}

func TestConflictSettledBeforeJobParks(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "X", "priority": "high"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X", "priority": map[string]interface{}{"name": "medium"}})
	h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.local.put("brd-2", map[string]interface{}{"title": "Two"})
	h.remote.put("PROJ-2", map[string]interface{}{"summary": "Two"})
	h.seedMapping(t, "brd-2", "PROJ-2", map[string]interface{}{"title": "Two"})
	slow := h.remote.hold("get:PROJ-2")
	h.start(t)
	ctx := context.Background()

	job, err := h.svc.BulkExport(ctx, BulkExportRequest{ConnectionID: testConn, LocalIDs: []string{"brd-1", "brd-2"}})
	if err != nil {
		t.Fatalf("BulkExport: %v", err)
	}
	id := job.ID.Hex()
	waitClosed(t, "second item to reach jira", slow.entered)

	conflicts := h.conflicts.all()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	if _, err := h.svc.ResolveConflict(ctx, conflicts[0].ID.Hex(), ResolveRequest{Strategy: conflict.KeepLocal}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if j := h.job(t, id); j.Status != jobqueue.StatusInProgress || j.AwaitingResolution {
		t.Fatalf("job = %s awaiting=%v, want still running", j.Status, j.AwaitingResolution)
	}
	close(slow.release)

	done := h.waitStatus(t, id, jobqueue.StatusCompleted)
	if done.AwaitingResolution || done.ProcessedItems != 2 {
		t.Errorf("job awaiting=%v processed=%d", done.AwaitingResolution, done.ProcessedItems)
	}
	waitFor(t, "resolved value to reach jira", func() bool {
		p, ok := h.remote.field("PROJ-1", "priority").(map[string]interface{})
		return ok && p["name"] == "high"
	})
}

func TestConcurrentExportsCreateOneIssue(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "Spec"})
	create := h.remote.hold("create")
	h.start(t)
	ctx := context.Background()
	req := ExportRequest{ConnectionID: testConn, LocalID: "brd-1", TargetProjectKey: "PROJ"}

	first, err := h.svc.ExportToRemote(ctx, req)
	if err != nil {
		t.Fatalf("first ExportToRemote: %v", err)
	}
	waitClosed(t, "first export to reach jira", create.entered)

	second, err := h.svc.ExportToRemote(ctx, req)
	if err != nil {
		t.Fatalf("second ExportToRemote: %v", err)
	}
	if second.OperationType != jobqueue.OpCreate {
		t.Fatalf("second export = %s, want create while the first is unmapped", second.OperationType)
	}
	waitFor(t, "second export to start", func() bool {
		return h.job(t, second.ID.Hex()).Status == jobqueue.StatusInProgress
	})
	time.Sleep(100 * time.Millisecond)
	if n := h.remote.gateCalls("create"); n != 1 {
		t.Errorf("create calls while the first export holds the record = %d, want 1", n)
	}
	close(create.release)

	h.waitStatus(t, first.ID.Hex(), jobqueue.StatusCompleted)
	h.waitStatus(t, second.ID.Hex(), jobqueue.StatusCompleted)
	if n := h.remote.createdCount(); n != 1 {
		t.Errorf("issues created = %d, want 1", n)
	}
	if _, err := h.mappings.FindByLocal(ctx, testConn, "brd-1"); err != nil {
		t.Errorf("brd-1 not mapped: %v", err)
	}
}

func TestAutoResolveKeepRemote(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "X", "priority": "high"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X", "priority": map[string]interface{}{"name": "medium"}})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.start(t)

	job, err := h.svc.SyncExistingMapping(context.Background(), m.ID.Hex(), SyncMappingRequest{
		Options: Options{AutoResolveStrategy: conflict.KeepRemote},
	})
	if err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	if got := h.local.fields("brd-1")["priority"]; got != "medium" {
		t.Errorf("local priority = %v, want medium", got)
	}
	if n := h.remote.updateCount(); n != 0 {
		t.Errorf("remote updates = %d, want 0", n)
	}
	conflicts := h.conflicts.all()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Status != conflict.StatusResolved || c.ResolvedBy != "system" || c.AppliedAt == nil {
		t.Errorf("conflict = %s by %q applied %v", c.Status, c.ResolvedBy, c.AppliedAt)
	}
	got, _ := h.mappings.FindByID(context.Background(), m.ID.Hex())
	if got.BaseValues["priority"] != "medium" || got.ConflictCount != 1 {
		t.Errorf("mapping base = %v conflicts = %d", got.BaseValues["priority"], got.ConflictCount)
	}
}

func TestIgnoredConflictIsNotRaisedAgain(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "X", "priority": "high"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X", "priority": map[string]interface{}{"name": "medium"}})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X", "priority": "low"})
	h.start(t)
	ctx := context.Background()

	job, _ := h.svc.SyncExistingMapping(ctx, m.ID.Hex(), SyncMappingRequest{})
	waitFor(t, "job to park", func() bool { return h.job(t, job.ID.Hex()).AwaitingResolution })

	c := h.conflicts.all()[0]
	if _, err := h.svc.IgnoreConflict(ctx, c.ID.Hex()); err != nil {
		t.Fatalf("IgnoreConflict: %v", err)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	again, err := h.svc.SyncExistingMapping(ctx, m.ID.Hex(), SyncMappingRequest{})
	if err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}
	h.waitStatus(t, again.ID.Hex(), jobqueue.StatusCompleted)
	if n := len(h.conflicts.all()); n != 1 {
		t.Errorf("conflicts = %d, want 1", n)
	}
}

func TestDeletedIssueRaisesDeletionConflict(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "X"})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X"})
	h.start(t)
	ctx := context.Background()

	job, err := h.svc.SyncExistingMapping(ctx, m.ID.Hex(), SyncMappingRequest{})
	if err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	conflicts := h.conflicts.all()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ConflictType != conflict.TypeDeletion || c.Field != conflict.RecordField || c.RemoteValue != nil || c.LocalValue != "present" {
		t.Errorf("conflict = %+v", c)
	}

	if _, err := h.svc.ResolveConflict(ctx, c.ID.Hex(), ResolveRequest{Strategy: conflict.Merge}); !errors.Is(err, conflict.ErrDeletionNotMergeable) {
		t.Errorf("merge err = %v, want ErrDeletionNotMergeable", err)
	}
	if _, err := h.svc.ResolveConflict(ctx, c.ID.Hex(), ResolveRequest{Strategy: conflict.KeepLocal}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	got, _ := h.mappings.FindByID(ctx, m.ID.Hex())
	if got.SyncEnabled {
		t.Error("mapping still enabled after deletion was resolved")
	}
	if _, err := h.svc.SyncExistingMapping(ctx, m.ID.Hex(), SyncMappingRequest{}); !errors.Is(err, ErrMappingDisabled) {
		t.Errorf("sync disabled mapping err = %v, want ErrMappingDisabled", err)
	}
}

func TestImportCreatesRecordAndMapping(t *testing.T) {
	h := newHarness(t)
	h.remote.put("PROJ-7", map[string]interface{}{"summary": "Imported", "priority": map[string]interface{}{"name": "high"}})
	h.start(t)
	ctx := context.Background()

	job, err := h.svc.ImportFromRemote(ctx, ImportRequest{ConnectionID: testConn, RemoteKey: "PROJ-7"})
	if err != nil {
		t.Fatalf("ImportFromRemote: %v", err)
	}
	if job.OperationType != jobqueue.OpCreate || job.Direction != jobqueue.RemoteToLocal {
		t.Errorf("job = %s %s", job.OperationType, job.Direction)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	m, err := h.mappings.FindByRemote(ctx, testConn, "PROJ-7")
	if err != nil {
		t.Fatalf("mapping not created: %v", err)
	}
	fields := h.local.fields(m.LocalID)
	if fields["title"] != "Imported" || fields["priority"] != "high" {
		t.Errorf("local fields = %v", fields)
	}
	if m.BaseValues["title"] != "Imported" || !m.SyncEnabled || !m.AutoSync {
		t.Errorf("mapping = %+v", m)
	}

	again, err := h.svc.ImportFromRemote(ctx, ImportRequest{ConnectionID: testConn, RemoteKey: "PROJ-7"})
	if err != nil {
		t.Fatalf("second ImportFromRemote: %v", err)
	}
	if again.OperationType != jobqueue.OpUpdate || again.MappingID != m.ID.Hex() {
		t.Errorf("second import = %s mapping %q, want update of %s", again.OperationType, again.MappingID, m.ID.Hex())
	}
}

func TestExportCreatesIssue(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "Spec", "priority": "low"})
	h.start(t)
	ctx := context.Background()

	if _, err := h.svc.ExportToRemote(ctx, ExportRequest{ConnectionID: testConn, LocalID: "brd-1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("export without project err = %v, want ErrInvalidRequest", err)
	}

	job, err := h.svc.ExportToRemote(ctx, ExportRequest{
		ConnectionID:     testConn,
		LocalID:          "brd-1",
		TargetProjectKey: "PROJ",
		Options:          Options{FieldOverrides: map[string]interface{}{"issuetype": map[string]interface{}{"name": "Story"}}},
	})
	if err != nil {
		t.Fatalf("ExportToRemote: %v", err)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	if len(h.remote.created) != 1 {
		t.Fatalf("issues created = %d, want 1", len(h.remote.created))
	}
	payload := h.remote.created[0]
	if payload["summary"] != "Spec" {
		t.Errorf("summary = %v", payload["summary"])
	}
	if p, _ := payload["project"].(map[string]interface{}); p["key"] != "PROJ" {
		t.Errorf("project = %v", payload["project"])
	}
	if _, ok := payload["issuetype"]; !ok {
		t.Error("field override missing from create payload")
	}
	m, err := h.mappings.FindByLocal(ctx, testConn, "brd-1")
	if err != nil {
		t.Fatalf("mapping not created: %v", err)
	}
	if m.RemoteKey == "" || m.BaseValues["title"] != "Spec" {
		t.Errorf("mapping = %+v", m)
	}
}

func TestBulkImportItemFailureDoesNotStopOthers(t *testing.T) {
	h := newHarness(t)
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "One"})
	h.remote.put("PROJ-2", map[string]interface{}{"summary": "Two"})
	// PROJ-2 gets mapped elsewhere between the lookup and the insert
	h.seedMapping(t, "brd-other", "PROJ-2", map[string]interface{}{"title": "Two"})
	h.mappings.racing["PROJ-2"] = true
	h.start(t)
	ctx := context.Background()

	job, err := h.svc.BulkImport(ctx, BulkImportRequest{ConnectionID: testConn, RemoteKeys: []string{"PROJ-1", "PROJ-2", "PROJ-1", " "}})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if job.TotalItems != 2 {
		t.Errorf("total items = %d, want 2", job.TotalItems)
	}
	done := h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)
	if done.ProcessedItems != 1 || done.FailedItems != 1 {
		t.Errorf("processed = %d failed = %d, want 1 and 1", done.ProcessedItems, done.FailedItems)
	}
	if _, err := h.mappings.FindByRemote(ctx, testConn, "PROJ-1"); err != nil {
		t.Errorf("PROJ-1 not mapped: %v", err)
	}
	// the BRD created for PROJ-2 lost the mapping race and was removed
	if n := h.local.count(); n != 1 {
		t.Errorf("local records = %d, want 1", n)
	}

	data, name, err := h.svc.JobReport(ctx, job.ID.Hex())
	if err != nil {
		t.Fatalf("JobReport: %v", err)
	}
	if name != "sync-job-"+job.ID.Hex()+".xlsx" {
		t.Errorf("report name = %s", name)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	want := []string{"Job", "Items", "History", "Conflicts"}
	if len(sheets) != len(want) {
		t.Fatalf("sheets = %v, want %v", sheets, want)
	}
	for i := range want {
		if sheets[i] != want[i] {
			t.Errorf("sheet %d = %s, want %s", i, sheets[i], want[i])
		}
	}
	rows, err := f.GetRows("Items")
	if err != nil {
		t.Fatalf("read Items: %v", err)
	}
	outcomes := map[string]string{}
	for _, row := range rows[1:] {
		if len(row) >= 3 {
			outcomes[row[1]] = row[2]
		}
	}
	if outcomes["PROJ-1"] != "processed" || outcomes["PROJ-2"] != "failed" {
		t.Errorf("item outcomes = %v", outcomes)
	}
}

func TestBulkExportAllItemsFailedFailsJob(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.BulkExport(context.Background(), BulkExportRequest{
		ConnectionID:     testConn,
		LocalIDs:         []string{"missing-1", "missing-2"},
		TargetProjectKey: "PROJ",
	})
	if err != nil {
		t.Fatalf("BulkExport: %v", err)
	}
	done := h.waitStatus(t, job.ID.Hex(), jobqueue.StatusFailed)
	if done.FailedItems != 2 || done.Error == "" {
		t.Errorf("failed items = %d error = %q", done.FailedItems, done.Error)
	}
}

func TestBulkExportNeedsProjectForUnmappedIDs(t *testing.T) {
	h := newHarness(t)
	h.seedMapping(t, "brd-1", "PROJ-1", nil)
	ctx := context.Background()

	if _, err := h.svc.BulkExport(ctx, BulkExportRequest{ConnectionID: testConn, LocalIDs: []string{"brd-1", "brd-2"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	if _, err := h.svc.BulkExport(ctx, BulkExportRequest{ConnectionID: testConn, LocalIDs: []string{"brd-1"}}); err != nil {
		t.Errorf("mapped-only bulk export: %v", err)
	}
}

func TestEnqueueRejectsUnusableConnections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := ImportRequest{ConnectionID: testConn, RemoteKey: "PROJ-1"}

	bad := req
	bad.AutoResolveStrategy = "coin_flip"
	if _, err := h.svc.ImportFromRemote(ctx, bad); !errors.Is(err, conflict.ErrInvalidStrategy) {
		t.Errorf("invalid strategy err = %v", err)
	}
	if _, err := h.svc.ImportFromRemote(ctx, ImportRequest{ConnectionID: "nope", RemoteKey: "PROJ-1"}); !errors.Is(err, connection.ErrNotFound) {
		t.Errorf("unknown connection err = %v", err)
	}

	h.creds.Revoke(ctx, testConn)
	if _, err := h.svc.ImportFromRemote(ctx, req); !errors.Is(err, connection.ErrConnectionInactive) {
		t.Errorf("inactive connection err = %v", err)
	}

	h.creds.enabled = false
	if _, err := h.svc.ImportFromRemote(ctx, req); !errors.Is(err, connection.ErrDisabled) {
		t.Errorf("disabled integration err = %v", err)
	}
}

func TestHandleWebhook(t *testing.T) {
	h := newHarness(t)
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X"})
	ctx := context.Background()

	job, err := h.svc.HandleWebhook(ctx, testConn, webhook.Event{RemoteKey: "PROJ-404", EventType: "jira:issue_updated"})
	if err != nil || job != nil {
		t.Fatalf("unmapped issue: job = %v err = %v, want nil nil", job, err)
	}

	first, err := h.svc.HandleWebhook(ctx, testConn, webhook.Event{RemoteKey: "PROJ-1", EventType: "jira:issue_updated"})
	if err != nil || first == nil {
		t.Fatalf("HandleWebhook: job = %v err = %v", first, err)
	}
	if first.OperationType != jobqueue.OpWebhookSync || first.Direction != jobqueue.RemoteToLocal || first.MappingID != m.ID.Hex() {
		t.Errorf("job = %s %s %s", first.OperationType, first.Direction, first.MappingID)
	}
	if first.CreatedBy != "webhook" || first.Metadata.WebhookEvent != "jira:issue_updated" {
		t.Errorf("created by %q event %q", first.CreatedBy, first.Metadata.WebhookEvent)
	}

	second, err := h.svc.HandleWebhook(ctx, testConn, webhook.Event{RemoteKey: "PROJ-1", EventType: "jira:issue_updated"})
	if err != nil {
		t.Fatalf("second HandleWebhook: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("pending webhook job was not reused: %s != %s", second.ID.Hex(), first.ID.Hex())
	}
}

func TestWebhookAutoImportsUnmappedIssue(t *testing.T) {
	h := newHarness(t)
	h.svc.autoImport = true
	h.remote.put("PROJ-9", map[string]interface{}{"summary": "From Jira"})
	h.start(t)
	ctx := context.Background()

	if job, err := h.svc.HandleWebhook(ctx, testConn, webhook.Event{RemoteKey: "PROJ-8", EventType: webhook.EventIssueDeleted}); err != nil || job != nil {
		t.Fatalf("deleted unmapped issue: job = %v err = %v, want nil nil", job, err)
	}

	job, err := h.svc.HandleWebhook(ctx, testConn, webhook.Event{RemoteKey: "PROJ-9", EventType: "jira:issue_created"})
	if err != nil || job == nil {
		t.Fatalf("HandleWebhook: job = %v err = %v", job, err)
	}
	if job.OperationType != jobqueue.OpWebhookSync || job.Direction != jobqueue.RemoteToLocal || job.MappingID != "" {
		t.Errorf("job = %s %s mapping %q", job.OperationType, job.Direction, job.MappingID)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	m, err := h.mappings.FindByRemote(ctx, testConn, "PROJ-9")
	if err != nil {
		t.Fatalf("mapping not created: %v", err)
	}
	if got := h.local.fields(m.LocalID)["title"]; got != "From Jira" {
		t.Errorf("local title = %v, want From Jira", got)
	}
}

func TestWebhookJobDoesNotWriteRemote(t *testing.T) {
	h := newHarness(t)
	h.local.put("brd-1", map[string]interface{}{"title": "Local edit"})
	h.remote.put("PROJ-1", map[string]interface{}{"summary": "X"})
	m := h.seedMapping(t, "brd-1", "PROJ-1", map[string]interface{}{"title": "X"})
	h.start(t)

	job, err := h.svc.HandleWebhook(context.Background(), testConn, webhook.Event{RemoteKey: "PROJ-1"})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	h.waitStatus(t, job.ID.Hex(), jobqueue.StatusCompleted)

	if n := h.remote.updateCount(); n != 0 {
		t.Errorf("remote updates = %d, want 0", n)
	}
	got, _ := h.mappings.FindByID(context.Background(), m.ID.Hex())
	if got.BaseValues["title"] != "X" {
		t.Errorf("base title = %v, want X", got.BaseValues["title"])
	}
}

func TestEnqueueScheduledSkipsBusyMappings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	busy := h.seedMapping(t, "brd-1", "PROJ-1", nil)
	h.seedMapping(t, "brd-2", "PROJ-2", nil)
	manual := h.seedMapping(t, "brd-3", "PROJ-3", nil)
	off := false
	if _, err := h.svc.UpdateMappingFlags(ctx, manual.ID.Hex(), MappingFlags{AutoSync: &off}); err != nil {
		t.Fatalf("UpdateMappingFlags: %v", err)
	}
	if h.audit.count(common_models.AuditActionSettings) != 1 {
		t.Error("flag change was not audited")
	}

	if _, err := h.svc.SyncExistingMapping(ctx, busy.ID.Hex(), SyncMappingRequest{}); err != nil {
		t.Fatalf("SyncExistingMapping: %v", err)
	}

	created, err := h.svc.EnqueueScheduled(ctx)
	if err != nil {
		t.Fatalf("EnqueueScheduled: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	jobs, _ := h.svc.ListJobs(ctx, jobqueue.ListFilter{Status: jobqueue.StatusPending})
	scheduled := 0
	for _, j := range jobs {
		if j.OperationType == jobqueue.OpScheduled {
			scheduled++
			if j.CreatedBy != "scheduler" || j.Direction != jobqueue.Bidirectional {
				t.Errorf("scheduled job = %s %s", j.CreatedBy, j.Direction)
			}
		}
	}
	if scheduled != 1 {
		t.Errorf("scheduled jobs = %d, want 1", scheduled)
	}
}
