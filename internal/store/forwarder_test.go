package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardian-relay/internal/models"
)

// fakeWriter 存储写入面的测试替身
type fakeWriter struct {
	mu       sync.Mutex
	readings []*models.SensorReading
	alerts   []*models.FallAlert
	err      error
	block    chan struct{}
}

func (w *fakeWriter) InsertSensorReading(_ context.Context, r *models.SensorReading) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.readings = append(w.readings, r)
	return nil
}

func (w *fakeWriter) InsertFallAlert(_ context.Context, a *models.FallAlert) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.alerts = append(w.alerts, a)
	return nil
}

func (w *fakeWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readings), len(w.alerts)
}

func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestForwarderProcessesSubmissions(t *testing.T) {
	writer := &fakeWriter{}
	f := NewForwarder(writer, 16, 2, zap.NewNop(), nil)
	f.Start()
	defer f.Stop()

	f.SubmitReading(&models.SensorReading{DeviceID: "dev1"})
	f.SubmitAlert(&models.FallAlert{AlertID: "fall_1"})

	waitFor(t, func() bool {
		nr, na := writer.counts()
		return nr == 1 && na == 1
	})
}

func TestForwarderStopDrainsQueue(t *testing.T) {
	writer := &fakeWriter{}
	f := NewForwarder(writer, 64, 2, zap.NewNop(), nil)
	f.Start()

	for i := 0; i < 20; i++ {
		f.SubmitReading(&models.SensorReading{DeviceID: "dev"})
	}
	f.Stop()

	nr, _ := writer.counts()
	assert.Equal(t, 20, nr)
}

// 写入失败只被记录，提交者与后续任务不受影响
func TestForwarderSwallowsWriteFailures(t *testing.T) {
	writer := &fakeWriter{err: errors.New("storage down")}
	f := NewForwarder(writer, 16, 1, zap.NewNop(), nil)
	f.Start()

	f.SubmitAlert(&models.FallAlert{AlertID: "fall_fail"})
	f.Stop()

	_, na := writer.counts()
	assert.Equal(t, 0, na)
}

// 队列满时丢新保旧，提交不阻塞
func TestForwarderDropsWhenQueueFull(t *testing.T) {
	writer := &fakeWriter{block: make(chan struct{})}
	f := NewForwarder(writer, 2, 1, zap.NewNop(), nil)
	f.Start()

	// worker 阻塞在首个任务上，再填满队列后继续提交必须立即返回
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.SubmitReading(&models.SensorReading{DeviceID: "dev"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submission blocked on a full queue")
	}

	close(writer.block)
	f.Stop()

	// 队列容量 2 加在途 1，至多 3 条落盘，其余被丢弃
	nr, _ := writer.counts()
	require.LessOrEqual(t, nr, 3)
	require.GreaterOrEqual(t, nr, 1)
}

func TestForwarderDefaults(t *testing.T) {
	f := NewForwarder(&fakeWriter{}, 0, 0, nil, nil)
	assert.Equal(t, DefaultQueueSize, cap(f.jobs))
	assert.Equal(t, DefaultWorkers, f.workers)
}
