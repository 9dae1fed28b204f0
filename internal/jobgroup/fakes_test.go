package jobgroup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

const (
	testTenant = "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
	testBatch  = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	testAsset  = "9b2e7bba-73b4-4f9e-8f6a-2f1f1c1a2b3c"
	testAsset2 = "0f8fad5b-d9cb-469f-a165-70867728950e"
)

type fakeJobgroupRepo struct {
	mu           sync.Mutex
	groups       map[string]domain.Jobgroup
	nextID       int
	activeCount  int
	recentCount  int
	countErr     error
	statusWrites []domain.JobgroupStatus
}

func newFakeJobgroupRepo() *fakeJobgroupRepo {
	return &fakeJobgroupRepo{groups: map[string]domain.Jobgroup{}}
}

func (f *fakeJobgroupRepo) Create(_ context.Context, g domain.Jobgroup) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	g.ID = fmt.Sprintf("jg-%d", f.nextID)
	g.CreatedAt = time.Now()
	f.groups[g.ID] = g
	return g.ID, nil
}

func (f *fakeJobgroupRepo) Get(_ context.Context, id string) (domain.Jobgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return domain.Jobgroup{}, domain.ErrNotFound
	}
	return g, nil
}

func (f *fakeJobgroupRepo) List(_ context.Context, _ int) ([]domain.Jobgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Jobgroup, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeJobgroupRepo) ListByStatus(_ context.Context, statuses ...domain.JobgroupStatus) ([]domain.Jobgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[domain.JobgroupStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []domain.Jobgroup
	for _, g := range f.groups {
		if want[g.Status] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeJobgroupRepo) CountActiveForTenant(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeCount, f.countErr
}

func (f *fakeJobgroupRepo) CountCreatedSince(context.Context, string, time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recentCount, f.countErr
}

func (f *fakeJobgroupRepo) UpdateStatus(_ context.Context, id string, status domain.JobgroupStatus, notes json.RawMessage) (domain.JobgroupStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if g.Status.Terminal() {
		return g.Status, nil
	}
	g.Status = status
	if notes != nil {
		g.Notes = notes
	}
	f.groups[id] = g
	f.statusWrites = append(f.statusWrites, status)
	return status, nil
}

func (f *fakeJobgroupRepo) SetOutputFile(_ context.Context, id, outputFileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.groups[id]
	g.OutputFileID = outputFileID
	f.groups[id] = g
	return nil
}

func (f *fakeJobgroupRepo) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeJobgroupRepo) ListNonTerminalBefore(_ context.Context, cutoff time.Time) ([]domain.Jobgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Jobgroup
	for _, g := range f.groups {
		if !g.Status.Terminal() && g.CreatedAt.Before(cutoff) {
			out = append(out, g)
		}
	}
	return out, nil
}

type fakeResultRepo struct {
	mu      sync.Mutex
	rows    map[string]domain.JobgroupResult // jobgroupID|assetID
	upserts int
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{rows: map[string]domain.JobgroupResult{}}
}

func (f *fakeResultRepo) Exists(_ context.Context, jobgroupID, assetID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[jobgroupID+"|"+assetID]
	return ok, nil
}

func (f *fakeResultRepo) Upsert(_ context.Context, r domain.JobgroupResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[r.JobgroupID+"|"+r.AssetID] = r
	f.upserts++
	return nil
}

func (f *fakeResultRepo) CountByJobgroup(_ context.Context, jobgroupID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.rows {
		if len(k) > len(jobgroupID) && k[:len(jobgroupID)] == jobgroupID {
			n++
		}
	}
	return n, nil
}

func (f *fakeResultRepo) CountFailed(_ context.Context, jobgroupID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.JobgroupID == jobgroupID && r.Status == domain.JobgroupResultFailed {
			n++
		}
	}
	return n, nil
}

type fakeAssetRepo struct {
	known map[string]string // assetID -> tenantID
}

func (f *fakeAssetRepo) Lookup(_ context.Context, assetID string) (string, string, error) {
	if tenant, ok := f.known[assetID]; ok {
		return tenant, testBatch, nil
	}
	return "", "", domain.ErrNotFound
}

type fakeDescriptionRepo struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage // tenantID|assetID
}

func newFakeDescriptionRepo() *fakeDescriptionRepo {
	return &fakeDescriptionRepo{docs: map[string]json.RawMessage{}}
}

func (f *fakeDescriptionRepo) Upsert(_ context.Context, d domain.AIDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[d.TenantID+"|"+d.AssetID] = d.Description
	return nil
}

func (f *fakeDescriptionRepo) UpdateNotes(context.Context, string, string, json.RawMessage) error {
	return nil
}

func (f *fakeDescriptionRepo) Get(context.Context, string, string) (domain.AIDescription, error) {
	return domain.AIDescription{}, domain.ErrNotFound
}

type fakeModelAPI struct {
	mu            sync.Mutex
	uploadedName  string
	uploadedData  []byte
	createdMeta   map[string]string
	remote        domain.RemoteJobgroup
	remoteByID    map[string]domain.RemoteJobgroup
	fileContent   []byte
	cancelled     []string
	uploadErr     error
	createErr     error
}

func (f *fakeModelAPI) ChatJSON(context.Context, string, string, int) (domain.ChatResult, error) {
	return domain.ChatResult{}, fmt.Errorf("not used")
}

func (f *fakeModelAPI) UploadFile(_ context.Context, name string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploadedName = name
	f.uploadedData = data
	return "file-123", nil
}

func (f *fakeModelAPI) CreateJobgroup(_ context.Context, inputFileID, window string, metadata map[string]string) (domain.RemoteJobgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.RemoteJobgroup{}, f.createErr
	}
	f.createdMeta = metadata
	if f.remote.ID == "" {
		f.remote = domain.RemoteJobgroup{ID: "batch_ext_1", Status: "validating"}
	}
	_ = inputFileID
	_ = window
	return f.remote, nil
}

func (f *fakeModelAPI) GetJobgroup(_ context.Context, externalID string) (domain.RemoteJobgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.remoteByID[externalID]; ok {
		return g, nil
	}
	return domain.RemoteJobgroup{}, domain.ErrNotFound
}

func (f *fakeModelAPI) CancelJobgroup(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, externalID)
	return nil
}

func (f *fakeModelAPI) FileContent(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileContent, nil
}

type fakeBlobStore struct {
	objects map[string][]byte
}

func (f *fakeBlobStore) Exists(_ context.Context, _, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobStore) Upload(_ context.Context, _, key string, body []byte, _ string) error {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = body
	return nil
}

func (f *fakeBlobStore) Download(_ context.Context, _, key string) ([]byte, error) {
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("fake blob: %s: %w", key, domain.ErrNotFound)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}
