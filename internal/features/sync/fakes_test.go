package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/features/brd"
	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/connection"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/jira"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// --- local store ---

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*brd.Record
	seq     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*brd.Record)}
}

func (s *fakeStore) put(id string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &brd.Record{ID: id, Fields: copyFields(fields), UpdatedAt: time.Now()}
}

func (s *fakeStore) fields(id string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return copyFields(r.Fields)
	}
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*brd.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, brd.ErrNotFound
	}
	return &brd.Record{ID: r.ID, Fields: copyFields(r.Fields), UpdatedAt: r.UpdatedAt}, nil
}

func (s *fakeStore) Create(ctx context.Context, fields map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("brd-%d", s.seq)
	s.records[id] = &brd.Record{ID: id, Fields: copyFields(fields), UpdatedAt: time.Now()}
	return id, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return brd.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return brd.ErrNotFound
	}
	for k, v := range fields {
		r.Fields[k] = v
	}
	r.UpdatedAt = time.Now()
	return nil
}

// --- jira ---

type issueUpdate struct {
	Key    string
	Fields map[string]interface{}
}

type fakeJira struct {
	mu      sync.Mutex
	issues  map[string]*jira.Issue
	updates []issueUpdate
	created []map[string]interface{}
	getErr  map[string]error
	gates   map[string]*gate
	seq     int
}

func newFakeJira() *fakeJira {
	return &fakeJira{issues: make(map[string]*jira.Issue), getErr: make(map[string]error), gates: make(map[string]*gate)}
}

// gate holds calls until release is closed. entered is closed by the
// first call that reaches it; calls counts all of them.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	calls   int
}

// hold gates op: "create" or "get:<KEY>".
func (j *fakeJira) hold(op string) *gate {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	j.mu.Lock()
	j.gates[op] = g
	j.mu.Unlock()
	return g
}

func (j *fakeJira) gateCalls(op string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if g := j.gates[op]; g != nil {
		return g.calls
	}
	return 0
}

func (j *fakeJira) wait(ctx context.Context, op string) error {
	j.mu.Lock()
	g := j.gates[op]
	if g != nil {
		g.calls++
	}
	j.mu.Unlock()
	if g == nil {
		return nil
	}
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *fakeJira) createdCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.created)
}

func (j *fakeJira) put(key string, fields map[string]interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.issues[key] = &jira.Issue{ID: "id-" + key, Key: key, Fields: copyFields(fields), Updated: time.Now()}
}

func (j *fakeJira) field(key, name string) interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if is, ok := j.issues[key]; ok {
		return is.Fields[name]
	}
	return nil
}

func (j *fakeJira) updateCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.updates)
}

func (j *fakeJira) lastUpdate() issueUpdate {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.updates) == 0 {
		return issueUpdate{}
	}
	return j.updates[len(j.updates)-1]
}

func (j *fakeJira) GetIssue(ctx context.Context, key string) (*jira.Issue, error) {
	if err := j.wait(ctx, "get:"+key); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.getErr[key]; err != nil {
		return nil, err
	}
	is, ok := j.issues[key]
	if !ok {
		return nil, jira.ErrNotFound
	}
	return &jira.Issue{ID: is.ID, Key: is.Key, Fields: copyFields(is.Fields), Updated: is.Updated}, nil
}

func (j *fakeJira) CreateIssue(ctx context.Context, fields map[string]interface{}) (*jira.Issue, error) {
	if err := j.wait(ctx, "create"); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	key := fmt.Sprintf("PROJ-%d", 100+j.seq)
	j.created = append(j.created, copyFields(fields))
	j.issues[key] = &jira.Issue{ID: "id-" + key, Key: key, Fields: copyFields(fields), Updated: time.Now()}
	return &jira.Issue{ID: "id-" + key, Key: key, Fields: fields}, nil
}

func (j *fakeJira) UpdateIssue(ctx context.Context, key string, fields map[string]interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	is, ok := j.issues[key]
	if !ok {
		return jira.ErrNotFound
	}
	j.updates = append(j.updates, issueUpdate{Key: key, Fields: copyFields(fields)})
	for k, v := range fields {
		is.Fields[k] = v
	}
	is.Updated = time.Now()
	return nil
}

// --- mappings ---

type fakeMappings struct {
	mu       sync.Mutex
	mappings map[primitive.ObjectID]*Mapping
	// remote keys FindByRemote pretends not to know, as if another
	// process mapped them after the lookup
	racing map[string]bool
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{mappings: make(map[primitive.ObjectID]*Mapping), racing: make(map[string]bool)}
}

func cloneMapping(m *Mapping) *Mapping {
	out := *m
	out.BaseValues = copyFields(m.BaseValues)
	return &out
}

func (r *fakeMappings) Create(ctx context.Context, m *Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.mappings {
		if existing.ConnectionID != m.ConnectionID {
			continue
		}
		if existing.LocalID == m.LocalID || existing.RemoteKey == m.RemoteKey {
			return ErrMappingExists
		}
	}
	m.ID = primitive.NewObjectID()
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	if m.BaseValues == nil {
		m.BaseValues = map[string]interface{}{}
	}
	r.mappings[m.ID] = cloneMapping(m)
	return nil
}

func (r *fakeMappings) FindByID(ctx context.Context, id string) (*Mapping, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrMappingNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[oid]
	if !ok {
		return nil, ErrMappingNotFound
	}
	return cloneMapping(m), nil
}

func (r *fakeMappings) find(match func(*Mapping) bool) (*Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if match(m) {
			return cloneMapping(m), nil
		}
	}
	return nil, ErrMappingNotFound
}

func (r *fakeMappings) FindByLocal(ctx context.Context, connID, localID string) (*Mapping, error) {
	return r.find(func(m *Mapping) bool { return m.ConnectionID == connID && m.LocalID == localID })
}

func (r *fakeMappings) FindByRemote(ctx context.Context, connID, remoteKey string) (*Mapping, error) {
	r.mu.Lock()
	hidden := r.racing[remoteKey]
	r.mu.Unlock()
	if hidden {
		return nil, ErrMappingNotFound
	}
	return r.find(func(m *Mapping) bool { return m.ConnectionID == connID && m.RemoteKey == remoteKey })
}

func (r *fakeMappings) List(ctx context.Context, filter MappingFilter) ([]Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Mapping{}
	for _, m := range r.mappings {
		if filter.ConnectionID != "" && m.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.LocalID != "" && m.LocalID != filter.LocalID {
			continue
		}
		if filter.RemoteKey != "" && m.RemoteKey != filter.RemoteKey {
			continue
		}
		out = append(out, *cloneMapping(m))
	}
	return out, nil
}

func (r *fakeMappings) ListAutoSync(ctx context.Context) ([]Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Mapping{}
	for _, m := range r.mappings {
		if m.AutoSync && m.SyncEnabled {
			out = append(out, *cloneMapping(m))
		}
	}
	return out, nil
}

func (r *fakeMappings) Update(ctx context.Context, m *Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappings[m.ID]; !ok {
		return ErrMappingNotFound
	}
	m.UpdatedAt = time.Now()
	r.mappings[m.ID] = cloneMapping(m)
	return nil
}

func (r *fakeMappings) UpdateFlags(ctx context.Context, id string, flags MappingFlags) (*Mapping, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrMappingNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[oid]
	if !ok {
		return nil, ErrMappingNotFound
	}
	if flags.SyncEnabled != nil {
		m.SyncEnabled = *flags.SyncEnabled
	}
	if flags.AutoSync != nil {
		m.AutoSync = *flags.AutoSync
	}
	return cloneMapping(m), nil
}

func (r *fakeMappings) EnsureIndexes(ctx context.Context) error { return nil }

// --- conflicts ---

type fakeConflicts struct {
	mu        sync.Mutex
	conflicts []*conflict.Conflict
}

func (r *fakeConflicts) all() []conflict.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conflict.Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, *c)
	}
	return out
}

func (r *fakeConflicts) Create(ctx context.Context, c *conflict.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = primitive.NewObjectID()
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = conflict.StatusPending
	}
	stored := *c
	r.conflicts = append(r.conflicts, &stored)
	return nil
}

func (r *fakeConflicts) lookup(id string) (*conflict.Conflict, error) {
	for _, c := range r.conflicts {
		if c.ID.Hex() == id {
			return c, nil
		}
	}
	return nil, conflict.ErrNotFound
}

func (r *fakeConflicts) FindByID(ctx context.Context, id string) (*conflict.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	out := *c
	return &out, nil
}

func (r *fakeConflicts) List(ctx context.Context, filter conflict.Filter) ([]conflict.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []conflict.Conflict{}
	for _, c := range r.conflicts {
		if filter.LocalID != "" && c.LocalID != filter.LocalID {
			continue
		}
		if filter.MappingID != "" && c.MappingID != filter.MappingID {
			continue
		}
		if filter.JobID != "" && c.SyncJobID != filter.JobID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (r *fakeConflicts) FindPending(ctx context.Context, mappingID, field string) (*conflict.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conflicts {
		if c.MappingID == mappingID && c.Field == field && c.Status == conflict.StatusPending {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeConflicts) CountPending(ctx context.Context, jobID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.conflicts {
		if c.SyncJobID == jobID && c.Status == conflict.StatusPending {
			n++
		}
	}
	return n, nil
}

func (r *fakeConflicts) settle(id string, fn func(c *conflict.Conflict)) (*conflict.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if c.Status != conflict.StatusPending {
		return nil, conflict.ErrAlreadySettled
	}
	fn(c)
	out := *c
	return &out, nil
}

func (r *fakeConflicts) Resolve(ctx context.Context, id string, strategy conflict.Strategy, value interface{}, by string, at time.Time) (*conflict.Conflict, error) {
	return r.settle(id, func(c *conflict.Conflict) {
		c.Status = conflict.StatusResolved
		c.ResolutionStrategy = strategy
		c.ResolvedValue = value
		c.ResolvedBy = by
		c.ResolvedAt = &at
	})
}

func (r *fakeConflicts) Ignore(ctx context.Context, id string, by string, at time.Time) (*conflict.Conflict, error) {
	return r.settle(id, func(c *conflict.Conflict) {
		c.Status = conflict.StatusIgnored
		c.ResolvedBy = by
		c.ResolvedAt = &at
	})
}

func (r *fakeConflicts) ResolvedUnapplied(ctx context.Context, mappingID string) ([]conflict.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []conflict.Conflict{}
	for _, c := range r.conflicts {
		if c.MappingID == mappingID && c.Status == conflict.StatusResolved && c.AppliedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeConflicts) MarkApplied(ctx context.Context, ids []primitive.ObjectID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		for _, c := range r.conflicts {
			if c.ID == id && c.AppliedAt == nil {
				c.AppliedAt = &at
			}
		}
	}
	return nil
}

func (r *fakeConflicts) EnsureIndexes(ctx context.Context) error { return nil }

// --- rules ---

type fakeRules struct {
	rules []fieldmap.Rule
}

func (r *fakeRules) ListRules(ctx context.Context) ([]fieldmap.Rule, error)   { return r.rules, nil }
func (r *fakeRules) ActiveRules(ctx context.Context) ([]fieldmap.Rule, error) { return r.rules, nil }
func (r *fakeRules) GetRule(ctx context.Context, id string) (*fieldmap.Rule, error) {
	return nil, fieldmap.ErrRuleNotFound
}
func (r *fakeRules) CreateRule(ctx context.Context, rule *fieldmap.Rule) error { return nil }
func (r *fakeRules) UpdateRule(ctx context.Context, id string, rule *fieldmap.Rule) error {
	return nil
}
func (r *fakeRules) DeleteRule(ctx context.Context, id string) error { return nil }
func (r *fakeRules) SeedDefaults(ctx context.Context) error          { return nil }

// --- credentials ---

type fakeCredentials struct {
	mu          sync.Mutex
	enabled     bool
	connections map[string]*connection.Connection
	tokenErr    error
	touched     int
	swept       time.Duration
}

func newFakeCredentials(connIDs ...string) *fakeCredentials {
	f := &fakeCredentials{enabled: true, connections: make(map[string]*connection.Connection)}
	for _, id := range connIDs {
		f.connections[id] = &connection.Connection{UserID: "user-1", RemoteSiteID: "site-1", IsActive: true}
	}
	return f
}

func (f *fakeCredentials) Enabled() bool { return f.enabled }
func (f *fakeCredentials) AuthorizationURL(ctx context.Context, userID string) (string, error) {
	return "", nil
}
func (f *fakeCredentials) HandleCallback(ctx context.Context, code, state, errParam string) (*connection.Connection, error) {
	return nil, nil
}

func (f *fakeCredentials) AccessToken(ctx context.Context, connID string) (*connection.Token, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	if _, err := f.Get(ctx, connID); err != nil {
		return nil, err
	}
	return &connection.Token{ConnectionID: connID, AccessToken: "token", SiteID: "site-1"}, nil
}

func (f *fakeCredentials) Get(ctx context.Context, connID string) (*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.connections[connID]
	if !ok {
		return nil, connection.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (f *fakeCredentials) List(ctx context.Context, userID string) ([]connection.Connection, error) {
	return nil, nil
}

func (f *fakeCredentials) Revoke(ctx context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.connections[connID]; ok {
		c.IsActive = false
		c.DeactivatedReason = connection.ReasonRevoked
	}
	return nil
}

func (f *fakeCredentials) DeactivateIdle(ctx context.Context, maxIdle time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = maxIdle
	return 0, nil
}

func (f *fakeCredentials) TouchLastSync(ctx context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

func (f *fakeCredentials) WebhookSecret(ctx context.Context, connID string) (string, error) {
	return "secret", nil
}

func (f *fakeCredentials) EnsureIndexes(ctx context.Context) error { return nil }

// --- audit ---

type fakeAudit struct {
	mu      sync.Mutex
	actions []common_models.AuditAction
}

func (a *fakeAudit) LogChange(ctx context.Context, action common_models.AuditAction, module string, recordID string, changes map[string]common_models.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *fakeAudit) ListLogs(ctx context.Context, filters map[string]interface{}, page, limit int64) ([]common_models.AuditLog, error) {
	return nil, nil
}

func (a *fakeAudit) count(action common_models.AuditAction) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, got := range a.actions {
		if got == action {
			n++
		}
	}
	return n
}
