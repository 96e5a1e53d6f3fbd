// Package presence tracks which users of each tenant currently hold live connections.
package presence

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrConnectionRegistered indicates the connection id is already indexed under some presence entry.
	ErrConnectionRegistered = errors.New("presence: connection already registered")
	// ErrInvalidConnection indicates a nil connection or an empty connection id.
	ErrInvalidConnection = errors.New("presence: invalid connection")
)

// Connection is a live session that can receive pushed events.
type Connection interface {
	ID() string
	Push(event string, payload any) bool
}

type presenceKey struct {
	tenantID int64
	userID   int64
}

// Registry maps tenant -> user -> connection set. Each tenant has its own bucket lock;
// the tenant map and the connection owner index are guarded separately.
type Registry struct {
	mu      sync.RWMutex
	tenants map[int64]*tenantBucket
	owners  sync.Map
}

type tenantBucket struct {
	mu    sync.Mutex
	users map[int64]map[string]Connection
	dead  bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[int64]*tenantBucket),
	}
}

// Register adds conn under (tenantID, userID). firstForUser reports whether the user had
// no connections before this call.
func (r *Registry) Register(tenantID, userID int64, conn Connection) (bool, error) {
	if conn == nil || conn.ID() == "" {
		return false, ErrInvalidConnection
	}
	key := presenceKey{tenantID: tenantID, userID: userID}
	if _, loaded := r.owners.LoadOrStore(conn.ID(), key); loaded {
		return false, ErrConnectionRegistered
	}

	for {
		bucket := r.bucketFor(tenantID)
		bucket.mu.Lock()
		if bucket.dead {
			bucket.mu.Unlock()
			continue
		}
		connections := bucket.users[userID]
		firstForUser := len(connections) == 0
		if connections == nil {
			connections = make(map[string]Connection)
			bucket.users[userID] = connections
		}
		connections[conn.ID()] = conn
		bucket.mu.Unlock()
		return firstForUser, nil
	}
}

// Unregister removes connectionID from (tenantID, userID). lastForUser reports whether the
// user has no connections left. Unknown ids are ignored.
func (r *Registry) Unregister(tenantID, userID int64, connectionID string) bool {
	owner, ok := r.owners.Load(connectionID)
	if !ok || owner.(presenceKey) != (presenceKey{tenantID: tenantID, userID: userID}) {
		return false
	}

	r.mu.RLock()
	bucket := r.tenants[tenantID]
	r.mu.RUnlock()
	if bucket == nil {
		r.owners.Delete(connectionID)
		return false
	}

	bucket.mu.Lock()
	connections := bucket.users[userID]
	if _, present := connections[connectionID]; !present {
		bucket.mu.Unlock()
		r.owners.Delete(connectionID)
		return false
	}
	delete(connections, connectionID)
	lastForUser := len(connections) == 0
	if lastForUser {
		delete(bucket.users, userID)
	}
	tenantEmpty := len(bucket.users) == 0
	bucket.mu.Unlock()
	r.owners.Delete(connectionID)

	if tenantEmpty {
		r.pruneTenant(tenantID)
	}
	return lastForUser
}

// IsOnline reports whether the user holds at least one connection in the tenant.
func (r *Registry) IsOnline(tenantID, userID int64) bool {
	bucket := r.existingBucket(tenantID)
	if bucket == nil {
		return false
	}
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	return len(bucket.users[userID]) > 0
}

// OnlineUsers returns the sorted ids of users online in the tenant.
func (r *Registry) OnlineUsers(tenantID int64) []int64 {
	bucket := r.existingBucket(tenantID)
	if bucket == nil {
		return []int64{}
	}
	bucket.mu.Lock()
	userIDs := make([]int64, 0, len(bucket.users))
	for userID := range bucket.users {
		userIDs = append(userIDs, userID)
	}
	bucket.mu.Unlock()
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	return userIDs
}

// OnlineCount returns the number of users online in the tenant.
func (r *Registry) OnlineCount(tenantID int64) int {
	bucket := r.existingBucket(tenantID)
	if bucket == nil {
		return 0
	}
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	return len(bucket.users)
}

// Connections returns a snapshot of the user's connections in the tenant.
func (r *Registry) Connections(tenantID, userID int64) []Connection {
	bucket := r.existingBucket(tenantID)
	if bucket == nil {
		return nil
	}
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	connections := bucket.users[userID]
	if len(connections) == 0 {
		return nil
	}
	snapshot := make([]Connection, 0, len(connections))
	for _, conn := range connections {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// TenantConnections returns a snapshot of every connection in the tenant.
func (r *Registry) TenantConnections(tenantID int64) []Connection {
	bucket := r.existingBucket(tenantID)
	if bucket == nil {
		return nil
	}
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	var snapshot []Connection
	for _, connections := range bucket.users {
		for _, conn := range connections {
			snapshot = append(snapshot, conn)
		}
	}
	return snapshot
}

// PushToUser pushes the event to every connection of the user and returns how many accepted it.
func (r *Registry) PushToUser(tenantID, userID int64, event string, payload any) int {
	delivered := 0
	for _, conn := range r.Connections(tenantID, userID) {
		if conn.Push(event, payload) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) existingBucket(tenantID int64) *tenantBucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[tenantID]
}

func (r *Registry) bucketFor(tenantID int64) *tenantBucket {
	r.mu.RLock()
	bucket := r.tenants[tenantID]
	r.mu.RUnlock()
	if bucket != nil {
		return bucket
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	bucket = r.tenants[tenantID]
	if bucket == nil {
		bucket = &tenantBucket{users: make(map[int64]map[string]Connection)}
		r.tenants[tenantID] = bucket
	}
	return bucket
}

func (r *Registry) pruneTenant(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.tenants[tenantID]
	if bucket == nil {
		return
	}
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if len(bucket.users) == 0 {
		bucket.dead = true
		delete(r.tenants, tenantID)
	}
}
