// Package worker 通过 NATS 请求/应答接收合成请求。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/jobs"
	"github.com/iabetor/oratio/internal/logger"
	"github.com/iabetor/oratio/internal/synth"
)

const handleMessageTimeout = 5 * time.Minute

// Submitter 由 service.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req synth.Request, async bool) (jobs.Job, error)
}

// Request 消息体。Async 为 true 时立即应答 queued 任务。
type Request struct {
	synth.Request
	Async bool `json:"async,omitempty"`
}

// Reply 应答体，Error 非空时 Job 可能为空。
type Reply struct {
	Job   *jobs.Job `json:"job,omitempty"`
	Error string    `json:"error,omitempty"`
	Kind  string    `json:"kind,omitempty"`
}

// NatsWorker 监听 subject 并逐条处理合成请求。
type NatsWorker struct {
	nc      *nats.Conn
	subject string
	svc     Submitter
	timeout time.Duration
}

// New 创建 worker。
func New(nc *nats.Conn, subject string, svc Submitter) *NatsWorker {
	return &NatsWorker{nc: nc, subject: subject, svc: svc, timeout: handleMessageTimeout}
}

// Run 订阅并处理消息，阻塞直到 ctx 取消。
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.nc.QueueSubscribe(w.subject, "oratio-workers", func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("[worker] 订阅 %s 失败: %w", w.subject, err)
	}
	logger.Infof("[worker] 正在监听 %s", w.subject)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("[worker] 退订失败: %w", err)
	}
	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.respond(msg, Reply{Error: fmt.Sprintf("无法解析请求: %v", err), Kind: "validation"})
		return
	}

	j, err := w.svc.Submit(ctx, req.Request, req.Async)
	reply := Reply{}
	if j.ID != "" {
		reply.Job = &j
	}
	if err != nil {
		logger.Warnf("[worker] 处理请求失败: %v", err)
		reply.Error = err.Error()
		reply.Kind = classify(err)
	}
	w.respond(msg, reply)
}

func (w *NatsWorker) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		logger.Errorf("[worker] 序列化应答失败: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		logger.Errorf("[worker] 发送应答失败: %v", err)
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, errs.ErrBackendExecution):
		return "backend_execution"
	case errors.Is(err, errs.ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
