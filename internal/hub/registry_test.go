package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSocket 测试用的内存连接：记录写入帧，可注入写失败
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSocket) WriteControl(_ int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("broken pipe")
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(_ time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSocket) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
}

func TestRoleForClient(t *testing.T) {
	assert.Equal(t, RoleConsumer, RoleForClient("react"))
	assert.Equal(t, RoleTelemetryProducer, RoleForClient("raspberry"))
	assert.Equal(t, RoleFallProducer, RoleForClient("raspberry_fall_detection"))
	assert.Equal(t, RoleUnclassified, RoleForClient("toaster"))
	assert.Equal(t, RoleUnclassified, RoleForClient(""))
}

func TestRegistryRegisterAndCount(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c1 := NewConn(&fakeSocket{})
	c2 := NewConn(&fakeSocket{})

	r.Register(c1, RoleConsumer)
	r.Register(c2, RoleConsumer)
	assert.Equal(t, 2, r.Count(RoleConsumer))
	assert.Equal(t, 0, r.Count(RoleTelemetryProducer))

	role, ok := r.RoleOf(c1)
	require.True(t, ok)
	assert.Equal(t, RoleConsumer, role)
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := NewConn(&fakeSocket{})

	r.Register(c, RoleConsumer)
	r.Register(c, RoleConsumer)
	assert.Equal(t, 1, r.Count(RoleConsumer))
}

// 携带不同角色的二次 identify 迁移连接，而不是同时属于两个集合
func TestRegistryReidentifyMovesRole(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := NewConn(&fakeSocket{})

	prev := r.Register(c, RoleTelemetryProducer)
	assert.Equal(t, RoleUnclassified, prev)

	prev = r.Register(c, RoleConsumer)
	assert.Equal(t, RoleTelemetryProducer, prev)

	assert.Equal(t, 0, r.Count(RoleTelemetryProducer))
	assert.Equal(t, 1, r.Count(RoleConsumer))
	role, _ := r.RoleOf(c)
	assert.Equal(t, RoleConsumer, role)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := NewConn(&fakeSocket{})

	r.Register(c, RoleConsumer)
	r.Unregister(c)
	assert.Equal(t, 0, r.Count(RoleConsumer))
	_, ok := r.RoleOf(c)
	assert.False(t, ok)

	// 重复注销安全
	r.Unregister(c)
}

func TestRegistryOfRoleSnapshot(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c1 := NewConn(&fakeSocket{})
	c2 := NewConn(&fakeSocket{})
	r.Register(c1, RoleConsumer)
	r.Register(c2, RoleFallProducer)

	consumers := r.OfRole(RoleConsumer)
	require.Len(t, consumers, 1)
	assert.Same(t, c1, consumers[0])

	// 快照不随后续注销变化
	r.Unregister(c1)
	assert.Len(t, consumers, 1)
}

func TestRegistryAll(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	r.Register(NewConn(&fakeSocket{}), RoleConsumer)
	r.Register(NewConn(&fakeSocket{}), RoleTelemetryProducer)
	r.Register(NewConn(&fakeSocket{}), RoleUnclassified)

	assert.Len(t, r.All(), 3)
}
