package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type stubConnection struct {
	id     string
	mu     sync.Mutex
	events []string
}

func (c *stubConnection) ID() string { return c.id }

func (c *stubConnection) Push(event string, _ any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return true
}

func TestRegisterThenUnregisterRestoresPriorState(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Register(1, 10, &stubConnection{id: "conn-a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := registry.OnlineCount(1)

	first, err := registry.Register(1, 11, &stubConnection{id: "conn-b"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !first {
		t.Fatal("expected first connection for user 11")
	}
	if !registry.IsOnline(1, 11) {
		t.Fatal("expected user 11 online")
	}

	if last := registry.Unregister(1, 11, "conn-b"); !last {
		t.Fatal("expected last connection for user 11")
	}
	if registry.IsOnline(1, 11) {
		t.Fatal("expected user 11 offline after unregister")
	}
	if registry.OnlineCount(1) != before {
		t.Fatalf("expected online count %d, got %d", before, registry.OnlineCount(1))
	}
}

func TestRegistryIsolatesTenants(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Register(1, 42, &stubConnection{id: "tenant-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if registry.IsOnline(2, 42) {
		t.Fatal("user 42 must not appear online in tenant 2")
	}
	if registry.OnlineCount(2) != 0 {
		t.Fatalf("expected no users in tenant 2, got %d", registry.OnlineCount(2))
	}
	if delivered := registry.PushToUser(2, 42, "new_message", nil); delivered != 0 {
		t.Fatalf("expected no deliveries across tenants, got %d", delivered)
	}
	if last := registry.Unregister(2, 42, "tenant-1"); last {
		t.Fatal("unregister under the wrong tenant must be ignored")
	}
	if !registry.IsOnline(1, 42) {
		t.Fatal("expected user 42 to stay online in tenant 1")
	}
}

func TestRegistryTracksMultipleDevices(t *testing.T) {
	registry := NewRegistry()
	phone := &stubConnection{id: "phone"}
	laptop := &stubConnection{id: "laptop"}
	if first, _ := registry.Register(3, 7, phone); !first {
		t.Fatal("expected first registration to report first connection")
	}
	if first, _ := registry.Register(3, 7, laptop); first {
		t.Fatal("expected second registration to report an existing user")
	}

	if delivered := registry.PushToUser(3, 7, "typing:start", nil); delivered != 2 {
		t.Fatalf("expected delivery to both devices, got %d", delivered)
	}
	if last := registry.Unregister(3, 7, "phone"); last {
		t.Fatal("laptop still connected, user must not be reported offline")
	}
	if registry.OnlineCount(3) != 1 {
		t.Fatalf("expected 1 online user, got %d", registry.OnlineCount(3))
	}
	if last := registry.Unregister(3, 7, "laptop"); !last {
		t.Fatal("expected last connection to report offline")
	}
	if users := registry.OnlineUsers(3); len(users) != 0 {
		t.Fatalf("expected empty tenant, got %v", users)
	}
	if registry.existingBucket(3) != nil {
		t.Fatal("expected empty tenant bucket to be removed")
	}
}

func TestRegisterRejectsDuplicateConnectionID(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Register(1, 1, &stubConnection{id: "shared"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := registry.Register(1, 2, &stubConnection{id: "shared"})
	if !errors.Is(err, ErrConnectionRegistered) {
		t.Fatalf("expected duplicate connection error, got %v", err)
	}
	if registry.IsOnline(1, 2) {
		t.Fatal("rejected registration must not mutate the registry")
	}
}

func TestRegisterRejectsEmptyConnectionID(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Register(1, 1, &stubConnection{}); !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("expected invalid connection error, got %v", err)
	}
}

func TestOnlineUsersSorted(t *testing.T) {
	registry := NewRegistry()
	for _, userID := range []int64{9, 3, 5} {
		if _, err := registry.Register(1, userID, &stubConnection{id: fmt.Sprintf("c-%d", userID)}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	users := registry.OnlineUsers(1)
	expected := []int64{3, 5, 9}
	if len(users) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, users)
	}
	for index := range expected {
		if users[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, users)
		}
	}
	if connections := registry.TenantConnections(1); len(connections) != 3 {
		t.Fatalf("expected 3 tenant connections, got %d", len(connections))
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			tenantID := int64(worker % 2)
			for iteration := 0; iteration < 200; iteration++ {
				conn := &stubConnection{id: fmt.Sprintf("w%d-i%d", worker, iteration)}
				if _, err := registry.Register(tenantID, int64(worker), conn); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				registry.IsOnline(tenantID, int64(worker))
				registry.Unregister(tenantID, int64(worker), conn.ID())
			}
		}(worker)
	}
	wg.Wait()

	for _, tenantID := range []int64{0, 1} {
		if count := registry.OnlineCount(tenantID); count != 0 {
			t.Fatalf("expected tenant %d empty, got %d users", tenantID, count)
		}
	}
}
