package fabric

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	tenant string
	role   Role
	full   bool

	mu     sync.Mutex
	frames []string
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) Tenant() string { return c.tenant }
func (c *fakeConn) Role() Role     { return c.role }

func (c *fakeConn) Send(frame []byte) bool {
	if c.full {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(frame))
	return true
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestPublishReachesOnlyGroupMembers(t *testing.T) {
	f := New()
	w1 := &fakeConn{id: "w1", tenant: "t1", role: RoleWorker}
	w2 := &fakeConn{id: "w2", tenant: "t2", role: RoleWorker}
	r1 := &fakeConn{id: "r1", tenant: "t1", role: RoleRequester}
	f.Join(w1, WorkerGroup("t1"))
	f.Join(w2, WorkerGroup("t2"))
	f.Join(r1, RequesterGroup("t1"))

	delivered := f.Publish(WorkerGroup("t1"), []byte("refresh"))

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"refresh"}, w1.received())
	assert.Empty(t, w2.received())
	assert.Empty(t, r1.received())
}

func TestPublishCountsRejectedSends(t *testing.T) {
	f := New()
	f.Join(&fakeConn{id: "a", tenant: "t", role: RoleRequester}, RequesterGroup("t"))
	f.Join(&fakeConn{id: "b", tenant: "t", role: RoleRequester, full: true}, RequesterGroup("t"))

	assert.Equal(t, 1, f.Publish(RequesterGroup("t"), []byte("x")))
	assert.Equal(t, 0, f.Publish(RequesterGroup("nobody"), []byte("x")))
}

func TestLeaveAllRemovesMembershipAndIndex(t *testing.T) {
	f := New()
	w1 := &fakeConn{id: "w1", tenant: "t1", role: RoleWorker}
	f.Attach(w1)
	f.Join(w1, WorkerGroup("t1"))
	require.Equal(t, 1, f.Members(WorkerGroup("t1")))

	f.LeaveAll(w1)
	f.LeaveAll(w1)

	assert.Equal(t, 0, f.Members(WorkerGroup("t1")))
	assert.False(t, f.IsMember("w1", WorkerGroup("t1")))
	_, ok := f.Lookup("w1")
	assert.False(t, ok)
	assert.False(t, f.Unicast("w1", []byte("late")))
	assert.Equal(t, 0, f.Len())
}

func TestLeaveSingleGroup(t *testing.T) {
	f := New()
	c := &fakeConn{id: "c", tenant: "t", role: RoleRequester}
	f.Join(c, RequesterGroup("t"))
	f.Join(c, GroupKey{Tenant: "t", Role: "extra"})

	f.Leave(c, GroupKey{Tenant: "t", Role: "extra"})

	assert.True(t, f.IsMember("c", RequesterGroup("t")))
	assert.Equal(t, 0, f.Members(GroupKey{Tenant: "t", Role: "extra"}))
	assert.True(t, f.Unicast("c", []byte("hi")))
}

func TestAttachReplacesStaleConnection(t *testing.T) {
	f := New()
	old := &fakeConn{id: "same", tenant: "t", role: RoleWorker}
	f.Join(old, WorkerGroup("t"))
	fresh := &fakeConn{id: "same", tenant: "t", role: RoleRequester}
	f.Attach(fresh)

	assert.Equal(t, 0, f.Members(WorkerGroup("t")))
	f.LeaveAll(old)
	conn, ok := f.Lookup("same")
	require.True(t, ok)
	assert.Same(t, fresh, conn)
}

func TestCountRole(t *testing.T) {
	f := New()
	for i := 0; i < 3; i++ {
		f.Attach(&fakeConn{id: fmt.Sprintf("w%d", i), tenant: "t", role: RoleWorker})
	}
	f.Attach(&fakeConn{id: "r", tenant: "t", role: RoleRequester})

	assert.Equal(t, 3, f.CountRole(RoleWorker))
	assert.Equal(t, 1, f.CountRole(RoleRequester))
	assert.Equal(t, "t_electron-hiprint", WorkerGroup("t").String())
}

func TestConcurrentJoinLeavePublish(t *testing.T) {
	f := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("c%d", i), tenant: "t", role: RoleRequester}
			for j := 0; j < 200; j++ {
				f.Join(c, RequesterGroup("t"))
				f.Publish(RequesterGroup("t"), []byte("tick"))
				f.LeaveAll(c)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, f.Len())
}

func TestTenantsListsPopulatedGroups(t *testing.T) {
	f := New()
	w := &fakeConn{id: "w", tenant: "beta", role: RoleWorker}
	r := &fakeConn{id: "r", tenant: "alpha", role: RoleRequester}
	f.Join(w, WorkerGroup("beta"))
	f.Join(r, RequesterGroup("alpha"))
	f.Attach(&fakeConn{id: "p", tenant: "gamma", role: RoleProbe})

	assert.Equal(t, []string{"alpha", "beta"}, f.Tenants())

	f.LeaveAll(w)
	assert.Equal(t, []string{"alpha"}, f.Tenants())
}
