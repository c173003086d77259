package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/oratio/internal/config"
	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/jobs"
	"github.com/iabetor/oratio/internal/synth"
)

func newTestService(t *testing.T, extra string) (*Service, *config.Config) {
	t.Helper()
	for _, k := range []string{"ORATIO_PROVIDER", "ORATIO_FALLBACK_STUB", "ORATIO_CLEAN_MAX_HOURS", "ORATIO_CLEAN_MAX_HISTORY", "ORATIO_MAX_JOBS", "HF_TOKEN"} {
		t.Setenv(k, "")
	}

	if !strings.Contains(extra, "tts:") {
		extra += "\ntts:\n  provider: stub\n"
	}
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
data:
  dir: %s
jobs:
  workers: 2
  queue_size: 8
%s`, filepath.Join(dir, "data"), extra)
	path := filepath.Join(dir, "oratio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, cfg
}

func TestCreateJobQueued(t *testing.T) {
	s, _ := newTestService(t, "")

	id, err := s.CreateJob()
	require.NoError(t, err)

	j, err := s.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, j.Status)
	require.Equal(t, j.CreatedAt, j.UpdatedAt)

	_, err = s.GetJob("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubmitSync(t *testing.T) {
	s, cfg := newTestService(t, "")

	j, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "stub-voice", Speed: 2}, false)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusSucceeded, j.Status)
	require.Equal(t, "stub", j.Source)
	require.Equal(t, "stub-voice", j.VoiceID)
	require.InDelta(t, 0.5, j.DurationSeconds, 1e-4)
	require.Equal(t, "/audio/"+j.ID+".wav", j.AudioURL)
	require.False(t, j.UpdatedAt.Before(j.CreatedAt))

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, j, got)

	hist := s.ListHistory(0)
	require.Len(t, hist, 1)
	require.Equal(t, j.ID, hist[0].JobID)
	require.Equal(t, "hello", hist[0].TextPreview)
	require.Equal(t, filepath.Join(cfg.Data.AudioDir, j.ID+".wav"), hist[0].AudioPath)
	require.FileExists(t, hist[0].AudioPath)
}

func TestUnknownVoiceCreatesNothing(t *testing.T) {
	s, _ := newTestService(t, "")

	_, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "nope"}, false)
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Empty(t, s.ListJobs(0))
	require.Empty(t, s.ListHistory(0))
}

func TestRunJobValidationMarksFailed(t *testing.T) {
	s, _ := newTestService(t, "")

	id, err := s.CreateJob()
	require.NoError(t, err)

	j, err := s.RunJob(context.Background(), id, synth.Request{Text: " ", VoiceID: "stub-voice"})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Equal(t, jobs.StatusFailed, j.Status)
	require.NotEmpty(t, j.Error)

	// 终态任务不能再次执行
	j, err = s.RunJob(context.Background(), id, synth.Request{Text: "hello", VoiceID: "stub-voice"})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Equal(t, jobs.StatusFailed, j.Status)

	_, err = s.RunJob(context.Background(), "missing", synth.Request{Text: "hello"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConcurrentRunJobRunsOnce(t *testing.T) {
	s, _ := newTestService(t, "")

	id, err := s.CreateJob()
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunJob(context.Background(), id, synth.Request{Text: "hello", VoiceID: "stub-voice"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errs.ErrValidation)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok, "同一任务只能执行一次")
	require.Len(t, s.ListHistory(0), 1)
	j, err := s.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusSucceeded, j.Status)
}

func TestHistoryFailureMarksJobFailed(t *testing.T) {
	s, cfg := newTestService(t, "")

	// 用同名目录占住历史文件，使写回失败
	require.NoError(t, os.MkdirAll(cfg.HistoryFile(), 0755))

	j, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
	require.ErrorIs(t, err, errs.ErrPersistence)
	require.Equal(t, jobs.StatusFailed, j.Status)
	require.Empty(t, s.ListHistory(0))
	require.NoFileExists(t, filepath.Join(cfg.Data.AudioDir, j.ID+".wav"))
}

func TestAsyncSubmit(t *testing.T) {
	s, _ := newTestService(t, "")
	require.NoError(t, s.Start(context.Background()))

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := s.Submit(context.Background(), synth.Request{Text: fmt.Sprintf("text %d", i), VoiceID: "stub-voice"}, true)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusQueued, j.Status)
		ids = append(ids, j.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := s.GetJob(id)
			if err != nil || j.Status != jobs.StatusSucceeded {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.Len(t, s.ListHistory(0), 5)
}

func TestCloseDrainsQueueAfterCancel(t *testing.T) {
	s, _ := newTestService(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	var ids []string
	for i := 0; i < 4; i++ {
		j, err := s.Submit(context.Background(), synth.Request{Text: fmt.Sprintf("text %d", i), VoiceID: "stub-voice"}, true)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	s.Close()

	for _, id := range ids {
		j, err := s.GetJob(id)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusSucceeded, j.Status, "取消信号后队列中的任务应执行完毕: %s", j.Error)
	}
}

func TestAsyncWithoutStartFails(t *testing.T) {
	s, _ := newTestService(t, "")

	j, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "stub-voice"}, true)
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, jobs.StatusFailed, j.Status)
}

func TestDeleteJobsAndHistory(t *testing.T) {
	s, _ := newTestService(t, "")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := s.Submit(ctx, synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	ok, err := s.DeleteJob(ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.DeleteJob(ids[0])
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.BatchDeleteJobs([]string{ids[1], ids[2], "missing"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, s.ListJobs(0))

	// 任务删除不影响历史
	require.Len(t, s.ListHistory(0), 3)

	entry := s.ListHistory(0)[2]
	ok, err = s.DeleteHistoryEntry(entry.JobID, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoFileExists(t, entry.AudioPath)

	n, err = s.BatchDeleteHistory([]string{ids[1], ids[2]}, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, s.ListHistory(0))
}

func TestExportAudioArchive(t *testing.T) {
	s, _ := newTestService(t, "")
	ctx := context.Background()

	var buf bytes.Buffer
	_, err := s.ExportAudioArchive([]string{"missing"}, &buf)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Zero(t, buf.Len())

	var ids []string
	for i := 0; i < 2; i++ {
		j, err := s.Submit(ctx, synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	n, err := s.ExportAudioArchive(append(ids, "missing", ids[0]), &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		require.Equal(t, zip.Deflate, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		require.Equal(t, "RIFF", string(data[:4]))
	}
	want := []string{ids[0] + ".wav", ids[1] + ".wav"}
	sort.Strings(names)
	sort.Strings(want)
	require.Equal(t, want, names)
}

func TestRunCleanupIdempotent(t *testing.T) {
	s, _ := newTestService(t, "retention:\n  max_history: 2\n")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Submit(ctx, synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
		require.NoError(t, err)
	}

	res, err := s.RunCleanup()
	require.NoError(t, err)
	require.Equal(t, 0, res.RemovedFiles)
	require.Equal(t, 1, res.RemovedHistory)
	require.Equal(t, 2, res.RemainingHistory)

	res, err = s.RunCleanup()
	require.NoError(t, err)
	require.Zero(t, res.RemovedFiles)
	require.Zero(t, res.RemovedHistory)
	require.Equal(t, 2, res.RemainingHistory)
}

func TestReconcileStaleRunning(t *testing.T) {
	s, _ := newTestService(t, "")
	id, err := s.CreateJob()
	require.NoError(t, err)
	_, err = s.Jobs.MarkRunning(id)
	require.NoError(t, err)

	// 未开启时不处理
	n, err := s.Reconcile()
	require.NoError(t, err)
	require.Zero(t, n)

	s.opts.FailStaleRunning = true
	require.NoError(t, s.Start(context.Background()))
	j, err := s.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, j.Status)
	require.Equal(t, StaleRunningMessage, j.Error)
}

type fakeMirror struct {
	mu       sync.Mutex
	uploaded []string
	deleted  []string
}

func (m *fakeMirror) UploadFile(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded = append(m.uploaded, path)
	return nil
}

func (m *fakeMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	return nil
}

type fakeStats struct {
	mu   sync.Mutex
	rows []string
}

func (f *fakeStats) Record(source, voiceID string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, source+"/"+voiceID)
	return nil
}

func TestMirrorAndStats(t *testing.T) {
	s, _ := newTestService(t, "")
	mirror, stats := &fakeMirror{}, &fakeStats{}
	s.Mirror, s.Stats = mirror, stats

	j, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"stub/stub-voice"}, stats.rows)
	require.Len(t, mirror.uploaded, 1)
	require.Equal(t, j.ID+".wav", filepath.Base(mirror.uploaded[0]))

	_, err = s.DeleteHistoryEntry(j.ID, true)
	require.NoError(t, err)
	require.Equal(t, []string{j.ID + ".wav"}, mirror.deleted)
}

func TestHealthAndVoices(t *testing.T) {
	s, _ := newTestService(t, "")
	_, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
	require.NoError(t, err)

	h := s.Health()
	require.Equal(t, "ok", h.Status)
	require.Equal(t, "stub", h.Provider)
	require.False(t, h.InferenceReady)
	require.True(t, h.NeedsDownload)
	require.Equal(t, 1, h.Jobs)
	require.Equal(t, 1, h.History)
	require.Equal(t, len(s.ListVoices()), h.Voices)
	require.NotEmpty(t, s.ModelStatus())
}

func TestHealthReportsStatsTotals(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "oratio.db")
	s, _ := newTestService(t, fmt.Sprintf("database:\n  path: %s\n", dbPath))
	require.NotNil(t, s.DB())

	for i := 0; i < 2; i++ {
		_, err := s.Submit(context.Background(), synth.Request{Text: "hello", VoiceID: "stub-voice"}, false)
		require.NoError(t, err)
	}
	require.Equal(t, map[string]int{"stub": 2}, s.Health().Syntheses)
}

func TestExtraVoicesFromConfig(t *testing.T) {
	s, _ := newTestService(t, `voices:
  - id: my_vits
    family: vits
    model: acme/custom-vits
tts:
  provider: stub
  default_voice: my_vits
`)
	found := false
	for _, v := range s.ListVoices() {
		if v.ID == "my_vits" {
			found = true
			require.Equal(t, "my_vits", v.Label)
		}
	}
	require.True(t, found)

	j, err := s.Submit(context.Background(), synth.Request{Text: "hello"}, false)
	require.NoError(t, err)
	require.Equal(t, "my_vits", j.VoiceID)
	require.Equal(t, "acme/custom-vits", j.Model)
}
