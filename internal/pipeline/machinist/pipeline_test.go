package machinist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte // bucket + "/" + key
	putErr  map[string]error  // substring match on key
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: map[string][]byte{}, putErr: map[string]error{}}
}

func (f *fakeBlob) put(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
}

func (f *fakeBlob) Exists(_ context.Context, bucket, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[bucket+"/"+key]
	return ok, nil
}

func (f *fakeBlob) Upload(_ context.Context, bucket, key string, body []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, err := range f.putErr {
		if strings.Contains(key, sub) {
			return err
		}
	}
	f.objects[bucket+"/"+key] = body
	return nil
}

func (f *fakeBlob) Download(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("fake blob: %s: %w", key, domain.ErrNotFound)
	}
	return data, nil
}

type fakeCodec struct {
	info      domain.ImageInfo
	failOn    string // variant hint matched against resize width
	resizeErr error
}

func (f *fakeCodec) Probe(context.Context, []byte) (domain.ImageInfo, error) {
	return f.info, nil
}

func (f *fakeCodec) ResizeWidth(_ context.Context, _ []byte, maxWidth, _ int) ([]byte, domain.ImageInfo, error) {
	if f.resizeErr != nil && fmt.Sprint(maxWidth) == f.failOn {
		return nil, domain.ImageInfo{}, f.resizeErr
	}
	out := f.info
	if maxWidth < out.Width {
		out.Height = out.Height * maxWidth / out.Width
		out.Width = maxWidth
	}
	out.MIMEType = "image/jpeg"
	return []byte("jpeg-" + fmt.Sprint(maxWidth)), out, nil
}

func (f *fakeCodec) Letterbox(_ context.Context, _ []byte, w, h, _ int) ([]byte, domain.ImageInfo, error) {
	return []byte("letterbox"), domain.ImageInfo{Width: w, Height: h, MIMEType: "image/jpeg"}, nil
}

func (f *fakeCodec) EncodeJPEG(_ context.Context, data []byte, _ int) ([]byte, error) {
	return data, nil
}

type fakeVersionRepo struct {
	mu       sync.Mutex
	upserts  []domain.AssetVersion
	existing map[string]bool // assetID|purpose|variant|typ
	metadata json.RawMessage
}

func (f *fakeVersionRepo) Upsert(_ context.Context, v domain.AssetVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, v)
	return nil
}

func (f *fakeVersionRepo) Exists(_ context.Context, assetID, purpose, variant, typ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[assetID+"|"+purpose+"|"+variant+"|"+typ], nil
}

func (f *fakeVersionRepo) UpdateMetadata(_ context.Context, _, _, _, _ string, metadata json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = metadata
	return nil
}

func (f *fakeVersionRepo) SetFailedReason(context.Context, string, string) error { return nil }

func (f *fakeVersionRepo) variants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.upserts))
	for _, v := range f.upserts {
		out = append(out, v.Variant)
	}
	return out
}

type fakeExif struct{ tags map[string]any }

func (f *fakeExif) Extract(context.Context, string) (map[string]any, error) {
	if f.tags == nil {
		return map[string]any{}, nil
	}
	return f.tags, nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeDLQ) SendToDLQ(_ context.Context, _ domain.Job, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func testConfig() config.Config {
	return config.Config{
		FilesBucket:        "files",
		ArchiveBucket:      "archive",
		MachinistMinWidth:  300,
		MachinistMinHeight: 300,
		MachinistMaxWidth:  12000,
		MachinistMaxHeight: 12000,
		MaxInputBytes:      10 << 20,
		MaxArchiveBytes:    1 << 30,
		MinFreeMemoryBytes: 1,
	}
}

func testMachinistJob(purpose string) domain.MachinistJob {
	return domain.MachinistJob{
		JobType:        "machinist",
		ProcessingType: "standard",
		TenantID:       testTenant,
		AssetID:        testAsset,
		BatchID:        testBatch,
		FilePurpose:    purpose,
		InputExtension: "jpg",
	}
}

func newPipeline(blob *fakeBlob, versions *fakeVersionRepo, codec *fakeCodec, dlq *fakeDLQ) *Pipeline {
	return &Pipeline{
		Cfg:        testConfig(),
		Blob:       blob,
		Versions:   versions,
		Codec:      codec,
		Exif:       &fakeExif{tags: map[string]any{"Make": "Nikon", "Junk": "dropped"}},
		DLQ:        dlq,
		FreeMemory: func() int64 { return -1 },
	}
}

func TestPipeline_Process_ViewingHappyPath(t *testing.T) {
	blob := newFakeBlob()
	versions := &fakeVersionRepo{}
	codec := &fakeCodec{info: domain.ImageInfo{Width: 4000, Height: 3000, MIMEType: "image/jpeg"}}
	p := newPipeline(blob, versions, codec, &fakeDLQ{})

	job := testMachinistJob(domain.PurposeViewing)
	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), jpegBytes(t, 64, 48))

	res, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "complete", res.Status)

	// Original, viewing, three thumbnails, ai (viewing purpose), manifest.
	for _, variant := range []string{"original", "viewing", "thumb-small", "thumb-medium", "thumb-large", "ai", "manifest"} {
		assert.Contains(t, res.Versions, variant)
	}
	assert.NotContains(t, res.Versions, "bundle", "viewing jobs never bundle")

	// The stored original sits under its purpose directory in the files bucket.
	_, ok := blob.objects["files/"+PurposeKey(testTenant, testBatch, testAsset, "viewing", "jpg")]
	assert.True(t, ok)

	assert.ElementsMatch(t, []string{"original", "viewing", "thumb-small", "thumb-medium", "thumb-large", "ai"}, versions.variants())
	for _, v := range versions.upserts {
		assert.Equal(t, domain.VersionSuccess, v.Status)
		assert.Equal(t, "sha256", v.ChecksumAlgorithm)
		assert.NotEmpty(t, v.Checksum)
	}

	// The manifest attached to the original row carries normalized exif.
	require.NotNil(t, versions.metadata)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(versions.metadata, &doc))
	exif := doc["exif"].(map[string]any)
	assert.Contains(t, exif, "camera")
}

func TestPipeline_Process_CandidateExtensionFallback(t *testing.T) {
	blob := newFakeBlob()
	versions := &fakeVersionRepo{}
	codec := &fakeCodec{info: domain.ImageInfo{Width: 1000, Height: 800, MIMEType: "image/jpeg"}}
	p := newPipeline(blob, versions, codec, &fakeDLQ{})

	// Declared extension says png but the upload landed as jpeg.
	job := testMachinistJob(domain.PurposeViewing)
	job.InputExtension = "png"
	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpeg"), jpegBytes(t, 64, 48))

	res, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "complete", res.Status)
}

func TestPipeline_Process_OriginalNotFound(t *testing.T) {
	p := newPipeline(newFakeBlob(), &fakeVersionRepo{}, &fakeCodec{info: domain.ImageInfo{Width: 1000, Height: 800}}, &fakeDLQ{})

	_, err := p.Process(context.Background(), testMachinistJob(domain.PurposeViewing))
	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ORIGINAL_NOT_FOUND", de.Code)
	assert.False(t, domain.Retryable(err), "a missing original is permanent, not retried")
}

func TestPipeline_Process_UnsupportedMIME(t *testing.T) {
	blob := newFakeBlob()
	p := newPipeline(blob, &fakeVersionRepo{}, &fakeCodec{}, &fakeDLQ{})

	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), []byte("%PDF-1.4 not an image"))
	_, err := p.Process(context.Background(), testMachinistJob(domain.PurposeViewing))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedMedia)
}

func TestPipeline_Process_DimensionGates(t *testing.T) {
	for _, tc := range []struct {
		name string
		w, h int
		code string
	}{
		{"too small", 200, 150, "IMAGE_TOO_SMALL"},
		{"too large", 15000, 9000, "IMAGE_TOO_LARGE"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			blob := newFakeBlob()
			codec := &fakeCodec{info: domain.ImageInfo{Width: tc.w, Height: tc.h, MIMEType: "image/jpeg"}}
			p := newPipeline(blob, &fakeVersionRepo{}, codec, &fakeDLQ{})
			blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), jpegBytes(t, 64, 48))

			_, err := p.Process(context.Background(), testMachinistJob(domain.PurposeViewing))
			require.Error(t, err)
			var de *domain.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.code, de.Code)
		})
	}
}

func TestPipeline_Process_LowMemoryGuard(t *testing.T) {
	p := newPipeline(newFakeBlob(), &fakeVersionRepo{}, &fakeCodec{}, &fakeDLQ{})
	p.Cfg.MinFreeMemoryBytes = 1 << 30
	p.FreeMemory = func() int64 { return 1 << 20 }

	_, err := p.Process(context.Background(), testMachinistJob(domain.PurposeViewing))
	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "LOW_MEMORY", de.Code)
}

func TestPipeline_Process_DerivativeUploadFailureIsIsolated(t *testing.T) {
	blob := newFakeBlob()
	blob.putErr["thumb-medium"] = fmt.Errorf("simulated put failure")
	versions := &fakeVersionRepo{}
	codec := &fakeCodec{info: domain.ImageInfo{Width: 4000, Height: 3000, MIMEType: "image/jpeg"}}
	dlq := &fakeDLQ{}
	p := newPipeline(blob, versions, codec, dlq)

	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), jpegBytes(t, 64, 48))
	res, err := p.Process(context.Background(), testMachinistJob(domain.PurposeViewing))
	require.NoError(t, err, "one derivative failing does not fail the job")

	assert.NotContains(t, res.Versions, "thumb-medium")
	assert.Contains(t, res.Versions, "viewing")
	assert.Contains(t, res.Versions, "thumb-large")
	require.Len(t, dlq.reasons, 1)
	assert.Contains(t, dlq.reasons[0], "thumb-medium")
}

func TestPipeline_Process_PreservationBundles(t *testing.T) {
	blob := newFakeBlob()
	versions := &fakeVersionRepo{}
	codec := &fakeCodec{info: domain.ImageInfo{Width: 4000, Height: 3000, MIMEType: "image/jpeg"}}
	p := newPipeline(blob, versions, codec, &fakeDLQ{})

	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), jpegBytes(t, 64, 48))
	res, err := p.Process(context.Background(), testMachinistJob(domain.PurposePreservation))
	require.NoError(t, err)

	assert.Contains(t, res.Versions, "bundle")
	bundleKey := PreservationBundleKey(testTenant, testAsset)
	_, ok := blob.objects["archive/"+bundleKey]
	assert.True(t, ok, "bundle lands in the archive bucket")

	// Original for preservation also lands in the archive bucket.
	_, ok = blob.objects["archive/"+PurposeKey(testTenant, testBatch, testAsset, "preservation", "jpg")]
	assert.True(t, ok)

	var bundle *domain.AssetVersion
	for i := range versions.upserts {
		if versions.upserts[i].Variant == "bundle" {
			bundle = &versions.upserts[i]
		}
	}
	require.NotNil(t, bundle)
	assert.Equal(t, "archive", bundle.Type)
	assert.Equal(t, "application/gzip", bundle.MIMEType)
	assert.NotEmpty(t, bundle.Checksum)
}

func TestPipeline_Process_PreservationIdempotent(t *testing.T) {
	blob := newFakeBlob()
	versions := &fakeVersionRepo{existing: map[string]bool{
		testAsset + "|preservation|bundle|archive": true,
	}}
	codec := &fakeCodec{info: domain.ImageInfo{Width: 4000, Height: 3000, MIMEType: "image/jpeg"}}
	p := newPipeline(blob, versions, codec, &fakeDLQ{})

	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), jpegBytes(t, 64, 48))
	res, err := p.Process(context.Background(), testMachinistJob(domain.PurposePreservation))
	require.NoError(t, err)

	assert.Contains(t, res.Versions, "bundle")
	_, ok := blob.objects["archive/"+PreservationBundleKey(testTenant, testAsset)]
	assert.False(t, ok, "existing bundle row skips the re-upload")
}

func TestPipeline_Process_PreservationInputCap(t *testing.T) {
	blob := newFakeBlob()
	codec := &fakeCodec{info: domain.ImageInfo{Width: 4000, Height: 3000, MIMEType: "image/jpeg"}}
	p := newPipeline(blob, &fakeVersionRepo{}, codec, &fakeDLQ{})
	p.Cfg.MaxInputBytes = 16

	blob.put("files", OriginalKey(testTenant, testBatch, testAsset, "jpg"), jpegBytes(t, 64, 48))
	_, err := p.Process(context.Background(), testMachinistJob(domain.PurposePreservation))
	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INPUT_TOO_LARGE", de.Code)
}

func TestPipeline_Process_InvalidJobRejected(t *testing.T) {
	p := newPipeline(newFakeBlob(), &fakeVersionRepo{}, &fakeCodec{}, &fakeDLQ{})
	job := testMachinistJob(domain.PurposeViewing)
	job.InputExtension = "exe"
	_, err := p.Process(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
