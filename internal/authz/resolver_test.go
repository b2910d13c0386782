package authz

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/event"
	"security-engine/internal/model"
	"security-engine/internal/session"
	"security-engine/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type eventRecorder struct {
	mu     sync.Mutex
	events []model.SecurityEvent
	audits []model.AuditLogEntry
}

func (r *eventRecorder) OnSecurityEvent(ev model.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) OnAuditEntry(entry model.AuditLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, entry)
}

type fixture struct {
	users    *store.MemoryStore
	sessions *session.Registry
	resolver *Resolver
	recorder *eventRecorder
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	users := store.NewMemoryStore()
	sessions := session.NewRegistry(32, rand.Reader, clock, zap.NewNop())
	bus := event.NewBus(zap.NewNop())
	recorder := &eventRecorder{}
	bus.SubscribeEvents(recorder)
	bus.SubscribeAudits(recorder)

	return &fixture{
		users:    users,
		sessions: sessions,
		resolver: NewResolver(users, sessions, bus, clock, zap.NewNop()),
		recorder: recorder,
		clock:    clock,
	}
}

func (f *fixture) addUser(t *testing.T, userID string, roleIDs, permissionIDs []string) {
	t.Helper()
	err := f.users.Persist(context.Background(), &model.User{
		UserID:        userID,
		Username:      userID,
		RoleIDs:       roleIDs,
		PermissionIDs: permissionIDs,
	})
	require.NoError(t, err)
}

func TestDirectPermissionGrant(t *testing.T) {
	f := newFixture(t)
	f.resolver.RegisterPermission(model.Permission{
		PermissionID: "doc-read",
		Resource:     "documents",
		Action:       "read",
	})
	f.addUser(t, "user-1", nil, []string{"doc-read"})

	ctx := context.Background()
	assert.True(t, f.resolver.HasPermission(ctx, "user-1", "documents", "read"))
	assert.False(t, f.resolver.HasPermission(ctx, "user-1", "documents", "write"))
	assert.False(t, f.resolver.HasPermission(ctx, "user-1", "billing", "read"))
}

func TestRoleGrant(t *testing.T) {
	f := newFixture(t)
	f.resolver.RegisterPermission(model.Permission{PermissionID: "doc-read", Resource: "documents", Action: "read"})
	f.resolver.RegisterPermission(model.Permission{PermissionID: "doc-write", Resource: "documents", Action: "write"})
	f.resolver.RegisterRole(model.Role{
		RoleID:        "editor",
		Name:          "Editor",
		PermissionIDs: []string{"doc-read", "doc-write"},
	})
	f.addUser(t, "user-1", []string{"editor"}, nil)

	ctx := context.Background()
	assert.True(t, f.resolver.HasPermission(ctx, "user-1", "documents", "write"))
	assert.False(t, f.resolver.HasPermission(ctx, "user-1", "documents", "delete"))
}

func TestRoleInheritance(t *testing.T) {
	f := newFixture(t)
	f.resolver.RegisterPermission(model.Permission{PermissionID: "doc-read", Resource: "documents", Action: "read"})
	f.resolver.RegisterPermission(model.Permission{PermissionID: "doc-admin", Resource: "documents", Action: model.Wildcard})
	f.resolver.RegisterRole(model.Role{RoleID: "viewer", PermissionIDs: []string{"doc-read"}})
	f.resolver.RegisterRole(model.Role{RoleID: "admin", PermissionIDs: []string{"doc-admin"}, Inherits: []string{"viewer"}})
	f.addUser(t, "admin-user", []string{"admin"}, nil)
	f.addUser(t, "viewer-user", []string{"viewer"}, nil)

	ctx := context.Background()
	assert.True(t, f.resolver.HasPermission(ctx, "admin-user", "documents", "read"))
	assert.True(t, f.resolver.HasPermission(ctx, "admin-user", "documents", "purge"))
	assert.False(t, f.resolver.HasPermission(ctx, "viewer-user", "documents", "purge"))
}

func TestInheritanceCycleTerminates(t *testing.T) {
	f := newFixture(t)
	f.resolver.RegisterRole(model.Role{RoleID: "a", Inherits: []string{"b"}})
	f.resolver.RegisterRole(model.Role{RoleID: "b", Inherits: []string{"a"}})
	f.addUser(t, "user-1", []string{"a"}, nil)

	assert.False(t, f.resolver.HasPermission(context.Background(), "user-1", "documents", "read"))
}

func TestWildcardPermission(t *testing.T) {
	f := newFixture(t)
	f.resolver.RegisterPermission(model.Permission{
		PermissionID: "superuser",
		Resource:     model.Wildcard,
		Action:       model.Wildcard,
	})
	f.addUser(t, "root", nil, []string{"superuser"})

	ctx := context.Background()
	assert.True(t, f.resolver.HasPermission(ctx, "root", "anything", "whatsoever"))
	// The wildcard is a sentinel, not a literal resource name.
	f.resolver.RegisterPermission(model.Permission{
		PermissionID: "star-only",
		Resource:     "*",
		Action:       "read",
	})
	f.addUser(t, "other", nil, []string{"star-only"})
	assert.True(t, f.resolver.HasPermission(ctx, "other", "documents", "read"))
}

func TestUnknownUserAndUnknownPermission(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", []string{"ghost-role"}, []string{"ghost-perm"})

	ctx := context.Background()
	assert.False(t, f.resolver.HasPermission(ctx, "missing-user", "documents", "read"))
	// Dangling role and permission ids resolve to no grant, not an error.
	assert.False(t, f.resolver.HasPermission(ctx, "user-1", "documents", "read"))
}

func TestCheckAccessPublishesOutcomes(t *testing.T) {
	f := newFixture(t)
	f.resolver.RegisterPermission(model.Permission{PermissionID: "doc-read", Resource: "documents", Action: "read"})
	f.addUser(t, "user-1", nil, []string{"doc-read"})

	sess, err := f.sessions.Issue("user-1", []string{"doc-read"}, time.Hour, 7*24*time.Hour)
	require.NoError(t, err)

	ctx := context.Background()

	// Invalid token: denial with invalid_token reason.
	assert.False(t, f.resolver.CheckAccess(ctx, "bogus-token", "documents", "read"))
	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, model.EventAccessDenied, f.recorder.events[0].Type)
	assert.Equal(t, "invalid_token", f.recorder.events[0].Details["reason"])

	// No permission: denial with insufficient_permissions reason.
	assert.False(t, f.resolver.CheckAccess(ctx, sess.AccessToken, "documents", "delete"))
	require.Len(t, f.recorder.events, 2)
	assert.Equal(t, "insufficient_permissions", f.recorder.events[1].Details["reason"])
	assert.Equal(t, "user-1", f.recorder.events[1].UserID)

	// Granted: audited, no new denial event.
	assert.True(t, f.resolver.CheckAccess(ctx, sess.AccessToken, "documents", "read"))
	assert.Len(t, f.recorder.events, 2)
	require.Len(t, f.recorder.audits, 1)
	assert.Equal(t, model.AuditSuccess, f.recorder.audits[0].Result)
	assert.Equal(t, "user-1", f.recorder.audits[0].UserID)
}
