package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Role 连接声明的角色
type Role string

const (
	RoleUnclassified      Role = "unclassified"
	RoleTelemetryProducer Role = "telemetry-producer"
	RoleFallProducer      Role = "fall-producer"
	RoleConsumer          Role = "consumer"
)

// RoleForClient 将 identify 帧中的 client 字段映射到角色
// 未识别的 client 返回 RoleUnclassified（忽略该 identify）
func RoleForClient(client string) Role {
	switch client {
	case "react":
		return RoleConsumer
	case "raspberry":
		return RoleTelemetryProducer
	case "raspberry_fall_detection":
		return RoleFallProducer
	default:
		return RoleUnclassified
	}
}

// Registry 连接注册表：按角色分区持有所有存活连接
// 一条连接任一时刻最多属于一个角色集合；携带不同角色的二次 identify
// 将连接迁移到新角色（先从旧集合移除），而不是同时保留在两个集合中
type Registry struct {
	mu      sync.RWMutex
	byRole  map[Role]map[*Conn]struct{}
	roles   map[*Conn]Role
	logger  *zap.Logger
	metrics *Metrics
}

// NewRegistry 创建注册表
func NewRegistry(logger *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		byRole:  make(map[Role]map[*Conn]struct{}),
		roles:   make(map[*Conn]Role),
		logger:  logger,
		metrics: metrics,
	}
}

// Register 将连接登记到指定角色集合；同角色重复调用幂等
// 返回连接此前所属的角色（首次登记返回 RoleUnclassified）
func (r *Registry) Register(c *Conn, role Role) Role {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.roles[c]
	if ok && prev == role {
		return prev
	}
	if ok {
		delete(r.byRole[prev], c)
		r.logger.Info("connection re-identified, moving role",
			zap.String("conn_id", c.ID()),
			zap.String("from", string(prev)),
			zap.String("to", string(role)),
		)
	}
	if !ok {
		prev = RoleUnclassified
	}

	set := r.byRole[role]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.byRole[role] = set
	}
	set[c] = struct{}{}
	r.roles[c] = role

	r.metrics.SetConnections(role, len(set))
	if ok {
		r.metrics.SetConnections(prev, len(r.byRole[prev]))
	}
	return prev
}

// Unregister 将连接从其所属集合移除；可安全重复调用，
// 且可与广播迭代并发执行
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[c]
	if !ok {
		return
	}
	delete(r.byRole[role], c)
	delete(r.roles, c)
	r.metrics.SetConnections(role, len(r.byRole[role]))
}

// OfRole 返回指定角色集合的调用时快照
func (r *Registry) OfRole(role Role) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byRole[role]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// RoleOf 返回连接当前角色
func (r *Registry) RoleOf(c *Conn) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[c]
	return role, ok
}

// Count 指定角色的连接数
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRole[role])
}

// All 返回所有已登记连接的快照（优雅关停时统一关闭）
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.roles))
	for c := range r.roles {
		conns = append(conns, c)
	}
	return conns
}
