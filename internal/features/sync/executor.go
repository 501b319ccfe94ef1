package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/features/brd"
	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/features/jobqueue"
	"brd-sync/internal/jira"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// pass is the state of one job execution.
type pass struct {
	svc    *SyncServiceImpl
	job    *jobqueue.Job
	remote jira.Client
	rules  []fieldmap.Rule
	fields fieldmap.FieldSet
	log    *zap.Logger
}

// Process runs every item of a claimed job. Item-level mapping and
// validation failures are counted and do not stop the others; a transient
// remote failure makes the whole job retry, which is safe because items
// that already produced a mapping are re-run as updates.
func (s *SyncServiceImpl) Process(ctx context.Context, job *jobqueue.Job, progress jobqueue.ProgressFunc) error {
	log := s.Logger.With(zap.String("job_id", job.ID.Hex()), zap.String("connection_id", job.ConnectionID))

	tok, err := s.Credentials.AccessToken(ctx, job.ConnectionID)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("credentials: %w", err))
	}
	rules, err := s.Rules.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load field mapping rules: %w", err)
	}

	p := &pass{
		svc:    s,
		job:    job,
		remote: s.Remote(tok),
		rules:  rules,
		fields: s.Engine.Fields(rules),
		log:    log,
	}

	var (
		processed, failed int
		parked            bool
		transient         error
	)
	for _, item := range p.items() {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := item.run(ctx)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, jobqueue.ErrAwaitingResolution):
			processed++
			parked = true
		case itemFailure(err):
			failed++
			log.Warn("Sync item failed", zap.String("item", item.id), zap.Error(err))
			s.Queue.AppendHistory(ctx, job.ID.Hex(), jobqueue.ActionItem, map[string]interface{}{
				"item":  item.id,
				"error": err.Error(),
			})
		default:
			log.Warn("Sync item hit a transient error", zap.String("item", item.id), zap.Error(err))
			transient = err
		}
		progress(processed, failed)
	}

	if err := s.Credentials.TouchLastSync(ctx, job.ConnectionID); err != nil {
		log.Warn("Failed to record connection last sync", zap.Error(err))
	}

	switch {
	case transient != nil:
		return transient
	case failed > 0 && processed == 0:
		return jobqueue.Permanent(fmt.Errorf("all %d items failed", failed))
	case parked:
		return jobqueue.ErrAwaitingResolution
	}
	return nil
}

type workItem struct {
	id  string
	run func(ctx context.Context) error
}

func (p *pass) items() []workItem {
	if p.job.MappingID != "" {
		return []workItem{{id: p.job.MappingID, run: func(ctx context.Context) error {
			m, err := p.svc.Mappings.FindByID(ctx, p.job.MappingID)
			if err != nil {
				return err
			}
			return p.syncMapping(ctx, m)
		}}}
	}

	items := make([]workItem, 0, len(p.job.LocalIDs)+len(p.job.RemoteKeys))
	for _, id := range p.job.LocalIDs {
		id := id
		items = append(items, workItem{id: id, run: func(ctx context.Context) error { return p.exportItem(ctx, id) }})
	}
	for _, key := range p.job.RemoteKeys {
		key := key
		items = append(items, workItem{id: key, run: func(ctx context.Context) error { return p.importItem(ctx, key) }})
	}
	return items
}

// itemFailure reports errors that retrying the job would not fix.
func itemFailure(err error) bool {
	if jira.IsTemporary(err) {
		return false
	}
	var verr *fieldmap.ValidationError
	var apiErr *jira.APIError
	return errors.As(err, &verr) ||
		errors.As(err, &apiErr) ||
		errors.Is(err, ErrMappingExists) ||
		errors.Is(err, ErrMappingNotFound) ||
		errors.Is(err, brd.ErrNotFound) ||
		errors.Is(err, jira.ErrNotFound) ||
		errors.Is(err, jira.ErrUnknownTransition)
}

// importItem creates a BRD from a Jira issue, or syncs it when the issue
// is already mapped.
func (p *pass) importItem(ctx context.Context, key string) error {
	s := p.svc
	m, err := s.Mappings.FindByRemote(ctx, p.job.ConnectionID, key)
	if err == nil {
		return p.syncMapping(ctx, m)
	}
	if !errors.Is(err, ErrMappingNotFound) {
		return err
	}

	unlock, err := p.lockCreate(ctx, "remote:"+p.job.ConnectionID+":"+key)
	if err != nil {
		return err
	}
	defer unlock()

	// another job may have imported the issue while we waited
	m, err = s.Mappings.FindByRemote(ctx, p.job.ConnectionID, key)
	if err == nil {
		return p.syncMapping(ctx, m)
	}
	if !errors.Is(err, ErrMappingNotFound) {
		return err
	}

	issue, err := p.remote.GetIssue(ctx, key)
	if err != nil {
		return err
	}
	fields, err := s.Engine.Apply(p.rules, fieldmap.RemoteToLocal, issue.Fields)
	if err != nil {
		return err
	}

	localID, err := s.Local.Create(ctx, fields)
	if err != nil {
		return err
	}

	now := s.now()
	mapping := &Mapping{
		ConnectionID:       p.job.ConnectionID,
		LocalID:            localID,
		RemoteKey:          issue.Key,
		RemoteID:           issue.ID,
		BaseValues:         fields,
		LastSyncedAt:       &now,
		LastModifiedLocal:  &now,
		LastModifiedRemote: timePtr(issue.Updated, now),
		SyncEnabled:        true,
		AutoSync:           true,
	}
	if err := s.Mappings.Create(ctx, mapping); err != nil {
		// mapped by another processor after the check above
		if derr := s.Local.Delete(ctx, localID); derr != nil {
			p.log.Error("Failed to remove unmapped BRD", zap.String("local_id", localID), zap.Error(derr))
		}
		return err
	}

	p.log.Info("Imported issue", zap.String("remote_key", issue.Key), zap.String("local_id", localID))
	return nil
}

// exportItem creates a Jira issue from a BRD, or syncs it when the BRD is
// already mapped.
func (p *pass) exportItem(ctx context.Context, localID string) error {
	s := p.svc
	m, err := s.Mappings.FindByLocal(ctx, p.job.ConnectionID, localID)
	if err == nil {
		return p.syncMapping(ctx, m)
	}
	if !errors.Is(err, ErrMappingNotFound) {
		return err
	}

	unlock, err := p.lockCreate(ctx, "local:"+p.job.ConnectionID+":"+localID)
	if err != nil {
		return err
	}
	defer unlock()

	// another job may have exported the BRD while we waited
	m, err = s.Mappings.FindByLocal(ctx, p.job.ConnectionID, localID)
	if err == nil {
		return p.syncMapping(ctx, m)
	}
	if !errors.Is(err, ErrMappingNotFound) {
		return err
	}

	rec, err := s.Local.Get(ctx, localID)
	if err != nil {
		return err
	}
	payload, err := s.Engine.Apply(p.rules, fieldmap.LocalToRemote, rec.Fields)
	if err != nil {
		return err
	}
	project := p.job.Metadata.TargetProjectKey
	if project == "" {
		return &fieldmap.ValidationError{Field: "project", Reason: "target project key is required to create an issue"}
	}
	payload["project"] = map[string]interface{}{"key": project}
	p.overrides(payload)

	issue, err := p.remote.CreateIssue(ctx, payload)
	if err != nil {
		return err
	}

	now := s.now()
	mapping := &Mapping{
		ConnectionID:       p.job.ConnectionID,
		LocalID:            localID,
		RemoteKey:          issue.Key,
		RemoteID:           issue.ID,
		BaseValues:         fieldmap.Pick(rec.Fields, p.fields.All()),
		LastSyncedAt:       &now,
		LastModifiedLocal:  timePtr(rec.UpdatedAt, now),
		LastModifiedRemote: &now,
		SyncEnabled:        true,
		AutoSync:           true,
	}
	if err := s.Mappings.Create(ctx, mapping); err != nil {
		// Jira has no undo for a create; leave the issue for a person
		p.log.Error("Created Jira issue could not be mapped",
			zap.String("local_id", localID), zap.String("remote_key", issue.Key), zap.Error(err))
		return err
	}

	p.log.Info("Exported BRD", zap.String("local_id", localID), zap.String("remote_key", issue.Key))
	return nil
}

// lockCreate takes the lease that lets one job at a time create the
// counterpart of a record.
func (p *pass) lockCreate(ctx context.Context, key string) (func(), error) {
	s := p.svc
	owner := p.job.ID.Hex()
	if err := jobqueue.Acquire(ctx, s.Locker, key, owner, lockTTL, lockWait); err != nil {
		return nil, err
	}
	return func() {
		if err := s.Locker.Release(context.Background(), key, owner); err != nil {
			p.log.Warn("Failed to release create lock", zap.String("lock", key), zap.Error(err))
		}
	}, nil
}

// syncMapping reconciles one mapped pair under the mapping lock.
func (p *pass) syncMapping(ctx context.Context, m *Mapping) error {
	s := p.svc
	log := p.log.With(zap.String("mapping_id", m.ID.Hex()), zap.String("local_id", m.LocalID), zap.String("remote_key", m.RemoteKey))

	if !m.SyncEnabled {
		log.Info("Skipping disabled mapping")
		return nil
	}

	lockKey := "mapping:" + m.ID.Hex()
	owner := p.job.ID.Hex()
	if err := jobqueue.Acquire(ctx, s.Locker, lockKey, owner, lockTTL, lockWait); err != nil {
		return err
	}
	defer func() {
		if err := s.Locker.Release(context.Background(), lockKey, owner); err != nil {
			log.Warn("Failed to release mapping lock", zap.Error(err))
		}
	}()

	// another job may have moved the mapping while we waited for the lock
	m, err := s.Mappings.FindByID(ctx, m.ID.Hex())
	if err != nil {
		return err
	}
	if !m.SyncEnabled {
		return nil
	}

	rec, localErr := s.Local.Get(ctx, m.LocalID)
	localGone := errors.Is(localErr, brd.ErrNotFound)
	if localErr != nil && !localGone {
		return localErr
	}
	issue, remoteErr := p.remote.GetIssue(ctx, m.RemoteKey)
	remoteGone := errors.Is(remoteErr, jira.ErrNotFound)
	if remoteErr != nil && !remoteGone {
		return remoteErr
	}
	if localGone || remoteGone {
		return p.recordDeletion(ctx, m, localGone, remoteGone)
	}

	remote, err := s.Engine.Apply(p.rules, fieldmap.RemoteToLocal, issue.Fields)
	if err != nil {
		return err
	}
	local := rec.Fields
	base := copyFields(m.BaseValues)

	var lastSynced time.Time
	if m.LastSyncedAt != nil {
		lastSynced = *m.LastSyncedAt
	}
	out := s.Resolver.Compare(conflict.Input{
		Fields:         p.fields.Shared,
		Base:           base,
		Local:          local,
		Remote:         remote,
		LocalModified:  rec.UpdatedAt,
		RemoteModified: issue.Updated,
		LastSynced:     lastSynced,
	})
	for _, f := range p.fields.LocalOnly {
		if !conflict.Equal(local[f], base[f]) {
			out.ToRemote[f] = local[f]
		}
	}
	for _, f := range p.fields.RemoteOnly {
		if !conflict.Equal(remote[f], base[f]) {
			out.ToLocal[f] = remote[f]
		}
	}

	// resolved values win over whatever either side holds now
	resolved, err := s.Conflicts.ResolvedUnapplied(ctx, m.ID.Hex())
	if err != nil {
		return err
	}
	settled := make(map[string]primitive.ObjectID)
	var applied []primitive.ObjectID
	for _, c := range resolved {
		if c.Field == conflict.RecordField {
			applied = append(applied, c.ID)
			continue
		}
		f, v := c.Field, c.ResolvedValue
		delete(out.InSync, f)
		delete(out.ToLocal, f)
		delete(out.ToRemote, f)
		if !conflict.Equal(local[f], v) {
			out.ToLocal[f] = v
		}
		if !conflict.Equal(remote[f], v) {
			out.ToRemote[f] = v
		}
		if conflict.Equal(local[f], v) && conflict.Equal(remote[f], v) {
			out.InSync[f] = v
		}
		settled[f] = c.ID
	}

	newConflicts, parked, err := p.handleConflicts(ctx, m, out, settled)
	if err != nil {
		return err
	}

	// a resolution is only applied once it can reach both sides
	for f, id := range settled {
		_, toLocal := out.ToLocal[f]
		_, toRemote := out.ToRemote[f]
		if (toLocal && !p.writesLocal()) || (toRemote && !p.writesRemote()) {
			delete(out.ToLocal, f)
			delete(out.ToRemote, f)
			continue
		}
		applied = append(applied, id)
	}

	if !p.writesRemote() {
		out.ToRemote = map[string]interface{}{}
	}
	if !p.writesLocal() {
		out.ToLocal = map[string]interface{}{}
	}

	now := s.now()
	localModified, remoteModified := rec.UpdatedAt, issue.Updated

	if len(out.ToRemote) > 0 {
		src := copyFields(local)
		for f, v := range out.ToRemote {
			src[f] = v
		}
		mapped, err := s.Engine.Apply(p.rules, fieldmap.LocalToRemote, src)
		if err != nil {
			return err
		}
		payload := fieldmap.Pick(mapped, s.Engine.TargetsFor(p.rules, fieldmap.LocalToRemote, keys(out.ToRemote)))
		p.overrides(payload)
		if err := p.remote.UpdateIssue(ctx, m.RemoteKey, payload); err != nil {
			return err
		}
		remoteModified = now
	}
	if len(out.ToLocal) > 0 {
		if err := s.Local.Update(ctx, m.LocalID, out.ToLocal); err != nil {
			return err
		}
		localModified = now
	}

	for f, v := range out.InSync {
		base[f] = v
	}
	for f, v := range out.ToRemote {
		base[f] = v
	}
	for f, v := range out.ToLocal {
		base[f] = v
	}

	if err := s.Conflicts.MarkApplied(ctx, applied, now); err != nil {
		return err
	}

	m.BaseValues = base
	m.RemoteID = issue.ID
	m.LastSyncedAt = &now
	m.LastModifiedLocal = timePtr(localModified, now)
	m.LastModifiedRemote = timePtr(remoteModified, now)
	m.ConflictCount += newConflicts
	if err := s.Mappings.Update(ctx, m); err != nil {
		return err
	}

	log.Info("Mapping synced",
		zap.Int("to_remote", len(out.ToRemote)),
		zap.Int("to_local", len(out.ToLocal)),
		zap.Int("conflicts", len(out.Conflicts)),
		zap.Int("resolutions_applied", len(applied)))

	if parked {
		return jobqueue.ErrAwaitingResolution
	}
	return nil
}

// handleConflicts persists the detected conflicts and applies the job's
// auto-resolution policy. Auto-resolved values are moved into the write
// sets; manual ones stay pending and park the job. It returns the number of
// new conflict rows and whether this job has to wait for a person.
func (p *pass) handleConflicts(ctx context.Context, m *Mapping, out conflict.Outcome, settled map[string]primitive.ObjectID) (int, bool, error) {
	s := p.svc
	if len(out.Conflicts) == 0 {
		return 0, false, nil
	}

	ignored, err := s.Conflicts.List(ctx, conflict.Filter{MappingID: m.ID.Hex(), Status: conflict.StatusIgnored})
	if err != nil {
		return 0, false, err
	}
	strategy := p.strategy()
	jobID := p.job.ID.Hex()

	var created int
	var parked bool
	for _, d := range out.Conflicts {
		if _, ok := settled[d.Field]; ok || isIgnored(ignored, d) {
			continue
		}

		c, err := s.Conflicts.FindPending(ctx, m.ID.Hex(), d.Field)
		if err != nil {
			return created, parked, err
		}
		if c == nil {
			c = &conflict.Conflict{
				SyncJobID:    jobID,
				MappingID:    m.ID.Hex(),
				LocalID:      m.LocalID,
				RemoteKey:    m.RemoteKey,
				ConflictType: d.Type,
				Field:        d.Field,
				BaseValue:    d.Base,
				LocalValue:   d.Local,
				RemoteValue:  d.Remote,
				Status:       conflict.StatusPending,
			}
			if err := s.Conflicts.Create(ctx, c); err != nil {
				return created, parked, err
			}
			created++
			p.log.Info("Conflict detected",
				zap.String("mapping_id", m.ID.Hex()),
				zap.String("field", d.Field),
				zap.String("conflict_type", string(d.Type)))
		}

		if strategy == conflict.Manual {
			// a conflict raised by an earlier job is waited on by that job
			if c.SyncJobID == jobID {
				parked = true
			}
			continue
		}

		value, err := s.Resolver.Resolve(d.Field, strategy, d.Local, d.Remote, nil)
		if err != nil {
			return created, parked, err
		}
		if _, err := s.Conflicts.Resolve(ctx, c.ID.Hex(), strategy, value, "system", s.now()); err != nil {
			return created, parked, err
		}
		_ = s.AuditService.LogChange(ctx, common_models.AuditActionConflict, "conflict", c.ID.Hex(), map[string]common_models.Change{
			"status":         {Old: conflict.StatusPending, New: conflict.StatusResolved},
			"strategy":       {New: strategy},
			"resolved_value": {New: value},
		})
		settled[d.Field] = c.ID

		if !conflict.Equal(d.Local, value) {
			out.ToLocal[d.Field] = value
		}
		if !conflict.Equal(d.Remote, value) {
			out.ToRemote[d.Field] = value
		}
	}
	return created, parked, nil
}

// recordDeletion raises a deletion conflict for a mapping whose BRD or
// issue is gone. The item still counts as processed.
func (p *pass) recordDeletion(ctx context.Context, m *Mapping, localGone, remoteGone bool) error {
	s := p.svc
	existing, err := s.Conflicts.FindPending(ctx, m.ID.Hex(), conflict.RecordField)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	d := conflict.Deletion(localGone, remoteGone)
	c := &conflict.Conflict{
		SyncJobID:    p.job.ID.Hex(),
		MappingID:    m.ID.Hex(),
		LocalID:      m.LocalID,
		RemoteKey:    m.RemoteKey,
		ConflictType: d.Type,
		Field:        d.Field,
		LocalValue:   d.Local,
		RemoteValue:  d.Remote,
		Status:       conflict.StatusPending,
	}
	if err := s.Conflicts.Create(ctx, c); err != nil {
		return err
	}

	m.ConflictCount++
	if err := s.Mappings.Update(ctx, m); err != nil {
		return err
	}

	p.log.Warn("Mapped record deleted",
		zap.String("mapping_id", m.ID.Hex()),
		zap.Bool("local_deleted", localGone),
		zap.Bool("remote_deleted", remoteGone))
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionConflict, "conflict", c.ID.Hex(), map[string]common_models.Change{
		"conflict_type": {New: conflict.TypeDeletion},
		"mapping_id":    {New: m.ID.Hex()},
	})
	return nil
}

// strategy picks the job's conflict policy: auto_resolve_strategy first,
// then conflict_strategy, else manual.
func (p *pass) strategy() conflict.Strategy {
	if s := conflict.Strategy(p.job.Metadata.AutoResolveStrategy); s.Valid() {
		return s
	}
	if s := conflict.Strategy(p.job.Metadata.ConflictStrategy); s.Valid() {
		return s
	}
	return conflict.Manual
}

func (p *pass) writesRemote() bool {
	return p.job.Direction != jobqueue.RemoteToLocal
}

func (p *pass) writesLocal() bool {
	return p.job.Direction != jobqueue.LocalToRemote
}

// overrides merges the job's extra Jira fields into a payload.
func (p *pass) overrides(payload map[string]interface{}) {
	for k, v := range p.job.Metadata.FieldOverrides {
		payload[k] = v
	}
}

func isIgnored(ignored []conflict.Conflict, d conflict.Detected) bool {
	for _, c := range ignored {
		if c.Field == d.Field && conflict.Equal(c.LocalValue, d.Local) && conflict.Equal(c.RemoteValue, d.Remote) {
			return true
		}
	}
	return false
}

func copyFields(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func timePtr(t, fallback time.Time) *time.Time {
	if t.IsZero() {
		return &fallback
	}
	return &t
}
