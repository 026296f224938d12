package hub

import (
	"sync"

	"guardian-relay/internal/models"
)

// AlertRing 报警历史环形缓冲：固定容量，严格 FIFO 淘汰最旧条目
// 自带同步，追加与快照读取可在并发的连接处理协程中调用
type AlertRing struct {
	mu       sync.Mutex
	buf      []*models.FallAlert
	head     int
	size     int
	capacity int
}

// NewAlertRing 创建容量为 capacity 的报警历史环
func NewAlertRing(capacity int) *AlertRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &AlertRing{
		buf:      make([]*models.FallAlert, capacity),
		capacity: capacity,
	}
}

// Append 追加一条报警；超出容量时先淘汰最旧条目，O(1)
func (r *AlertRing) Append(alert *models.FallAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.buf[tail] = alert
	if r.size < r.capacity {
		r.size++
	} else {
		// 缓冲已满，head 前移即淘汰最旧
		r.head = (r.head + 1) % r.capacity
	}
}

// Recent 返回最近追加的至多 k 条，按追加顺序（旧到新），不修改环
func (r *AlertRing) Recent(k int) []*models.FallAlert {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k > r.size {
		k = r.size
	}
	if k <= 0 {
		return nil
	}
	out := make([]*models.FallAlert, k)
	start := r.head + r.size - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}

// Len 当前存量
func (r *AlertRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
