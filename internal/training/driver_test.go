package training

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/instances"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/internal/remote"
	"github.com/loracloud/lorad/internal/sshauth"
	"github.com/loracloud/lorad/internal/sshtest"
	"github.com/loracloud/lorad/internal/storage"
	"github.com/loracloud/lorad/pkg/vastai"
)

// fakeStore records uploads in memory.
type fakeStore struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	rejectPut bool
}

var _ storage.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: make(map[string][]byte)}
}

func (f *fakeStore) ListDatasets(ctx context.Context) ([]models.DatasetInfo, error) {
	return nil, nil
}

func (f *fakeStore) DatasetFiles(ctx context.Context, name string) ([]models.DatasetFile, error) {
	return nil, nil
}

func (f *fakeStore) ListArtifacts(ctx context.Context) ([]models.LoraArtifact, error) {
	return nil, nil
}

func (f *fakeStore) Upload(ctx context.Context, path, contentType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectPut {
		return errors.New("bucket unavailable")
	}
	f.uploads[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Download(ctx context.Context, path string) ([]byte, error) {
	return nil, storage.ErrObjectNotFound
}

func (f *fakeStore) Delete(ctx context.Context, path string) error { return nil }

func (f *fakeStore) DeletePrefix(ctx context.Context, prefix string) error { return nil }

func (f *fakeStore) SignedURL(ctx context.Context, path, method string) (string, error) {
	return "", nil
}

func (f *fakeStore) uploaded(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[path]
	return data, ok
}

// recordingPublisher captures the event feed.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (p *recordingPublisher) Publish(event models.JobEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []models.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.JobEvent(nil), p.events...)
}

func (p *recordingPublisher) sawStatus(status string) bool {
	for _, e := range p.snapshot() {
		if e.Status == status {
			return true
		}
	}
	return false
}

func (p *recordingPublisher) sawStep(step int) bool {
	for _, e := range p.snapshot() {
		if e.CurrentStep == step {
			return true
		}
	}
	return false
}

type harness struct {
	svc       *Service
	registry  *Registry
	store     *fakeStore
	publisher *recordingPublisher
}

// newHarness wires a Service against a fake marketplace and, when handle is
// non-nil, an in-process SSH endpoint that instance points at.
func newHarness(t *testing.T, instance *models.Instance, handle sshtest.ExecHandler) *harness {
	t.Helper()

	if handle != nil {
		server, err := sshtest.NewServer(handle)
		require.NoError(t, err)
		t.Cleanup(server.Close)
		if instance != nil {
			instance.SSHHost = server.Host
			instance.SSHPort = server.Port
		}
	}

	market := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances" {
			http.NotFound(w, r)
			return
		}
		owned := []models.Instance{}
		if instance != nil {
			owned = append(owned, *instance)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"instances": owned})
	}))
	t.Cleanup(market.Close)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))

	trainCfg := &config.TrainingConfig{Image: "img", DiskGB: 50, Workspace: "/workspace"}
	sshCfg := &config.SSHConfig{
		User:           "root",
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 10 * time.Second,
	}

	instSvc := instances.NewService(vastai.NewClient("test-key", market.URL, 5*time.Second), trainCfg)
	runner := remote.NewRunner(sshauth.NewResolver(keyPath), sshCfg)

	h := &harness{
		registry:  NewRegistry(),
		store:     newFakeStore(),
		publisher: &recordingPublisher{},
	}
	h.svc = NewService(h.registry, instSvc, runner, h.store, trainCfg, sshCfg, h.publisher)
	return h
}

// trainerScript is a scripted remote host. Commands dispatch on their shape;
// anything unexpected exits 127 so the test fails loudly.
type trainerScript struct {
	artifact       []byte
	failSetup      bool
	failPip        bool
	missingOutput  atomic.Bool
	writtenConfigs sync.Map
}

func (s *trainerScript) handler() sshtest.ExecHandler {
	return func(command string, ch ssh.Channel) {
		switch {
		case strings.HasPrefix(command, "mkdir -p"):
			if s.failSetup {
				ch.Stderr().Write([]byte("mkdir: disk full\n"))
				sshtest.ExitStatus(ch, 1)
				return
			}
			sshtest.ExitStatus(ch, 0)

		case strings.HasPrefix(command, "cat > "):
			s.writtenConfigs.Store(time.Now().UnixNano(), command)
			sshtest.ExitStatus(ch, 0)

		case strings.Contains(command, "pip install"):
			if s.failPip {
				ch.Stderr().Write([]byte("no network\n"))
				sshtest.ExitStatus(ch, 1)
				return
			}
			sshtest.ExitStatus(ch, 0)

		case strings.Contains(command, "flux_train_network"):
			for _, step := range []int{100, 500, 1000} {
				fmt.Fprintf(ch, "STEP:%d\r\n", step)
			}
			fmt.Fprintf(ch, "saving model\r\n")
			sshtest.ExitStatus(ch, 0)

		case strings.HasPrefix(command, "test -f"):
			if s.missingOutput.Load() {
				sshtest.ExitStatus(ch, 1)
				return
			}
			sshtest.ExitStatus(ch, 0)

		case strings.HasPrefix(command, "base64"):
			ch.Write([]byte(base64.StdEncoding.EncodeToString(s.artifact) + "\n"))
			sshtest.ExitStatus(ch, 0)

		default:
			ch.Stderr().Write([]byte("unexpected command: " + command + "\n"))
			sshtest.ExitStatus(ch, 127)
		}
	}
}

func (s *trainerScript) sawConfig(substr string) bool {
	found := false
	s.writtenConfigs.Range(func(_, v interface{}) bool {
		if strings.Contains(v.(string), substr) {
			found = true
			return false
		}
		return true
	})
	return found
}

func runningInstance(id int64) *models.Instance {
	return &models.Instance{ID: id, ActualStatus: models.InstanceStatusRunning, GPUName: "RTX 4090"}
}

func waitTerminal(t *testing.T, svc *Service, id string) models.TrainingJob {
	t.Helper()
	var job models.TrainingJob
	require.Eventually(t, func() bool {
		got, err := svc.Get(id)
		if err != nil {
			return false
		}
		job = got
		return got.Terminal()
	}, 15*time.Second, 20*time.Millisecond, "job %s never reached a terminal state", id)
	return job
}

func TestJobRunsToCompletion(t *testing.T) {
	script := &trainerScript{artifact: []byte("\x93NUMPY-ish binary weights \x00\x01\x02")}
	h := newHarness(t, runningInstance(4242), script.handler())

	created, err := h.svc.Create(Params{
		InstanceID:  4242,
		DatasetName: "faces",
		LoraName:    "portrait-v1",
	})
	require.NoError(t, err)
	assert.Len(t, created.ID, 8)
	assert.Equal(t, models.JobStatusPending, created.Status)
	assert.Equal(t, DefaultBaseModel, created.BaseModel)
	assert.Equal(t, 1000, created.Steps)
	assert.Equal(t, 512, created.Resolution)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1000, job.CurrentStep)
	assert.Equal(t, "loras/portrait-v1.safetensors", job.OutputPath)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))

	data, ok := h.store.uploaded("loras/portrait-v1.safetensors")
	require.True(t, ok, "artifact never reached the store")
	assert.Equal(t, script.artifact, data)

	// The dataset config landed on the instance with the job's settings.
	assert.True(t, script.sawConfig("resolution = 512"))
	assert.True(t, script.sawConfig(`image_dir = "/workspace/dataset"`))

	assert.True(t, h.publisher.sawStatus(models.JobStatusRunning))
	assert.True(t, h.publisher.sawStatus(models.JobStatusUploading))
	assert.True(t, h.publisher.sawStatus(models.JobStatusCompleted))
	assert.True(t, h.publisher.sawStep(500), "mid-run progress never published")
}

func TestJobFailsWhenInstanceMissing(t *testing.T) {
	h := newHarness(t, nil, nil)

	created, err := h.svc.Create(Params{InstanceID: 999, DatasetName: "d", LoraName: "l"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "instance 999 not ready")
	assert.Nil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, h.publisher.sawStatus(models.JobStatusRunning))
}

func TestJobFailsWhenInstanceNotRunning(t *testing.T) {
	inst := &models.Instance{ID: 7, ActualStatus: models.InstanceStatusLoading}
	h := newHarness(t, inst, nil)

	created, err := h.svc.Create(Params{InstanceID: 7, DatasetName: "d", LoraName: "l"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, `status is "loading"`)
}

func TestJobFailsWhenSSHEndpointUnpublished(t *testing.T) {
	// Running per the marketplace, but the SSH endpoint has not appeared yet.
	inst := &models.Instance{ID: 8, ActualStatus: models.InstanceStatusRunning}
	h := newHarness(t, inst, nil)

	created, err := h.svc.Create(Params{InstanceID: 8, DatasetName: "d", LoraName: "l"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "ssh endpoint not yet published")
}

func TestJobFailsWhenSetupFails(t *testing.T) {
	script := &trainerScript{failSetup: true}
	h := newHarness(t, runningInstance(11), script.handler())

	created, err := h.svc.Create(Params{InstanceID: 11, DatasetName: "d", LoraName: "l"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "workspace setup exited 1")
	assert.Contains(t, job.Error, "disk full")
	require.NotNil(t, job.StartedAt)
}

func TestJobToleratesDependencyInstallFailure(t *testing.T) {
	script := &trainerScript{artifact: []byte("w"), failPip: true}
	h := newHarness(t, runningInstance(12), script.handler())

	created, err := h.svc.Create(Params{InstanceID: 12, DatasetName: "d", LoraName: "l"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestJobFailsWhenArtifactMissing(t *testing.T) {
	script := &trainerScript{}
	script.missingOutput.Store(true)
	h := newHarness(t, runningInstance(13), script.handler())

	created, err := h.svc.Create(Params{InstanceID: 13, DatasetName: "d", LoraName: "missing"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "no artifact at /workspace/output/missing.safetensors")
	assert.True(t, h.publisher.sawStatus(models.JobStatusUploading))
	_, ok := h.store.uploaded("loras/missing.safetensors")
	assert.False(t, ok)
}

func TestJobFailsWhenStoreRejectsUpload(t *testing.T) {
	script := &trainerScript{artifact: []byte("w")}
	h := newHarness(t, runningInstance(14), script.handler())
	h.store.rejectPut = true

	created, err := h.svc.Create(Params{InstanceID: 14, DatasetName: "d", LoraName: "l"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "artifact transfer failed during store")
}

func TestRestartAfterFailureRunsAgain(t *testing.T) {
	script := &trainerScript{artifact: []byte("second try weights")}
	script.missingOutput.Store(true)
	h := newHarness(t, runningInstance(15), script.handler())

	created, err := h.svc.Create(Params{InstanceID: 15, DatasetName: "d", LoraName: "retry"})
	require.NoError(t, err)

	job := waitTerminal(t, h.svc, created.ID)
	require.Equal(t, models.JobStatusFailed, job.Status)

	// Fix the remote side and run the same job again.
	script.missingOutput.Store(false)
	restarted, err := h.svc.Restart(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, restarted.Status)
	assert.Empty(t, restarted.Error)
	assert.Nil(t, restarted.StartedAt)

	job = waitTerminal(t, h.svc, created.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "loras/retry.safetensors", job.OutputPath)

	data, ok := h.store.uploaded("loras/retry.safetensors")
	require.True(t, ok)
	assert.Equal(t, script.artifact, data)
}
