package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"guardian-relay/internal/models"
)

// 转发器默认参数
const (
	DefaultQueueSize  = 256
	DefaultWorkers    = 4
	submissionTimeout = 10 * time.Second
)

// Writer 转发器使用的存储写入面
type Writer interface {
	InsertSensorReading(ctx context.Context, r *models.SensorReading) error
	InsertFallAlert(ctx context.Context, a *models.FallAlert) error
}

// job 单次提交；reading 与 alert 二选一
type job struct {
	reading *models.SensorReading
	alert   *models.FallAlert
}

// Forwarder 异步持久化转发器
// 有界任务队列加固定 worker 池：存储故障不会无界堆积在途工作，
// 队列满时丢弃本次提交并计数（丢新保旧，调度路径保持无等待）。
// 提交失败只记录日志，从不重试，从不回传给生产者连接
type Forwarder struct {
	writer  Writer
	jobs    chan job
	workers int
	logger  *zap.Logger
	metrics *ForwarderMetrics

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewForwarder 创建转发器
func NewForwarder(writer Writer, queueSize, workers int, logger *zap.Logger, metrics *ForwarderMetrics) *Forwarder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		writer:  writer,
		jobs:    make(chan job, queueSize),
		workers: workers,
		logger:  logger,
		metrics: metrics,
	}
}

// Start 启动 worker 池
func (f *Forwarder) Start() {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	f.logger.Info("persistence forwarder started",
		zap.Int("workers", f.workers),
		zap.Int("queue_size", cap(f.jobs)),
	)
}

// Stop 停止接收新任务并等待在途任务完成
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.jobs)
	})
	f.wg.Wait()
	f.logger.Info("persistence forwarder stopped")
}

// SubmitReading 提交一条读数；队列满时丢弃，不阻塞
func (f *Forwarder) SubmitReading(r *models.SensorReading) {
	f.submit(job{reading: r})
}

// SubmitAlert 提交一条报警；队列满时丢弃，不阻塞
func (f *Forwarder) SubmitAlert(a *models.FallAlert) {
	f.submit(job{alert: a})
}

func (f *Forwarder) submit(j job) {
	select {
	case f.jobs <- j:
	default:
		f.metrics.IncDropped()
		f.logger.Warn("persistence queue full, dropping submission")
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for j := range f.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), submissionTimeout)
		f.process(ctx, j)
		cancel()
	}
}

func (f *Forwarder) process(ctx context.Context, j job) {
	switch {
	case j.reading != nil:
		f.metrics.IncSubmitted("sensor_data")
		if err := f.writer.InsertSensorReading(ctx, j.reading); err != nil {
			f.metrics.IncFailed("sensor_data")
			f.logger.Error("failed to persist sensor reading",
				zap.String("device_id", j.reading.DeviceID),
				zap.Error(err),
			)
		}
	case j.alert != nil:
		f.metrics.IncSubmitted("fall_alert")
		if err := f.writer.InsertFallAlert(ctx, j.alert); err != nil {
			f.metrics.IncFailed("fall_alert")
			f.logger.Error("failed to persist fall alert",
				zap.String("alert_id", j.alert.AlertID),
				zap.Error(err),
			)
		}
	}
}
