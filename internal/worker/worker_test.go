package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/jobs"
	"github.com/iabetor/oratio/internal/synth"
	"github.com/iabetor/oratio/internal/worker"
)

type mockSubmitter struct {
	mu    sync.Mutex
	got   []synth.Request
	async []bool
}

func (m *mockSubmitter) Submit(_ context.Context, req synth.Request, async bool) (jobs.Job, error) {
	m.mu.Lock()
	m.got = append(m.got, req)
	m.async = append(m.async, async)
	m.mu.Unlock()

	if req.VoiceID == "nope" {
		return jobs.Job{}, errs.Validation("未知音色: nope")
	}
	status := jobs.StatusSucceeded
	if async {
		status = jobs.StatusQueued
	}
	return jobs.Job{ID: "job-1", Status: status, VoiceID: req.VoiceID}, nil
}

func startWorker(t *testing.T, svc worker.Submitter) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.New(nc, "oratio.test", svc).Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		nc.Close()
		srv.Shutdown()
	})

	// 等待订阅生效
	require.Eventually(t, func() bool {
		_, err := nc.Request("oratio.test", []byte("{}"), 100*time.Millisecond)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	return nc
}

func request(t *testing.T, nc *nats.Conn, body interface{}) worker.Reply {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	msg, err := nc.Request("oratio.test", data, 2*time.Second)
	require.NoError(t, err)

	var reply worker.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestWorkerSync(t *testing.T) {
	svc := &mockSubmitter{}
	nc := startWorker(t, svc)

	reply := request(t, nc, map[string]interface{}{"text": "hello", "voice_id": "stub-voice", "speed": 1.5})
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Job)
	require.Equal(t, jobs.StatusSucceeded, reply.Job.Status)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	last := svc.got[len(svc.got)-1]
	require.Equal(t, "hello", last.Text)
	require.Equal(t, 1.5, last.Speed)
	require.False(t, svc.async[len(svc.async)-1])
}

func TestWorkerAsync(t *testing.T) {
	nc := startWorker(t, &mockSubmitter{})

	reply := request(t, nc, map[string]interface{}{"text": "hello", "voice_id": "stub-voice", "async": true})
	require.NotNil(t, reply.Job)
	require.Equal(t, jobs.StatusQueued, reply.Job.Status)
}

func TestWorkerErrors(t *testing.T) {
	nc := startWorker(t, &mockSubmitter{})

	reply := request(t, nc, map[string]interface{}{"text": "hello", "voice_id": "nope"})
	require.Nil(t, reply.Job)
	require.Equal(t, "validation", reply.Kind)
	require.NotEmpty(t, reply.Error)

	msg, err := nc.Request("oratio.test", []byte("not json"), 2*time.Second)
	require.NoError(t, err)
	var bad worker.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &bad))
	require.Equal(t, "validation", bad.Kind)
}
