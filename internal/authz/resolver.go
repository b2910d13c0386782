// Package authz resolves whether a principal holds a capability, via direct
// permission grants and transitive role membership.
package authz

import (
	"context"
	"sync"

	"security-engine/internal/event"
	"security-engine/internal/model"
	"security-engine/internal/session"

	"go.uber.org/zap"
)

const (
	reasonInvalidToken            = "invalid_token"
	reasonInsufficientPermissions = "insufficient_permissions"
)

type Resolver struct {
	mu          sync.RWMutex
	roles       map[string]*model.Role
	permissions map[string]*model.Permission

	users    model.UserStore
	sessions *session.Registry
	bus      *event.Bus
	clock    model.Clock
	logger   *zap.Logger
}

func NewResolver(users model.UserStore, sessions *session.Registry, bus *event.Bus, clock model.Clock, logger *zap.Logger) *Resolver {
	return &Resolver{
		roles:       make(map[string]*model.Role),
		permissions: make(map[string]*model.Permission),
		users:       users,
		sessions:    sessions,
		bus:         bus,
		clock:       clock,
		logger:      logger,
	}
}

// RegisterPermission makes a permission resolvable by id.
func (r *Resolver) RegisterPermission(p model.Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.permissions[p.PermissionID] = &cp
}

// RegisterRole makes a role resolvable by id, replacing any previous
// definition.
func (r *Resolver) RegisterRole(role model.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := role
	cp.PermissionIDs = append([]string(nil), role.PermissionIDs...)
	cp.Inherits = append([]string(nil), role.Inherits...)
	r.roles[role.RoleID] = &cp
}

// Role returns a copy of the registered role, if any.
func (r *Resolver) Role(roleID string) (model.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[roleID]
	if !ok {
		return model.Role{}, false
	}
	return *role, true
}

// HasPermission checks direct grants first, then each role's grants, then
// recursively each inherited role, stopping at the first match. A revisited
// role id terminates that branch so inheritance cycles cannot loop.
func (r *Resolver) HasPermission(ctx context.Context, userID, resource, action string) bool {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.grantsMatch(user.PermissionIDs, resource, action) {
		return true
	}

	visited := make(map[string]bool)
	for _, roleID := range user.RoleIDs {
		if r.roleGrants(roleID, resource, action, visited) {
			return true
		}
	}
	return false
}

// CheckAccess resolves the session behind an access token and authorizes the
// (resource, action) pair. Denial is not exceptional: the result is false and
// the denial is published as a security event. Success is audited.
func (r *Resolver) CheckAccess(ctx context.Context, accessToken, resource, action string) bool {
	sess, err := r.sessions.Lookup(accessToken)
	if err != nil {
		r.bus.PublishEvent(model.SecurityEvent{
			Type:     model.EventAccessDenied,
			Severity: model.SeverityMedium,
			Resource: resource,
			Action:   action,
			Details:  map[string]string{"reason": reasonInvalidToken},
		})
		return false
	}

	if !r.HasPermission(ctx, sess.UserID, resource, action) {
		r.bus.PublishEvent(model.SecurityEvent{
			Type:     model.EventAccessDenied,
			Severity: model.SeverityMedium,
			UserID:   sess.UserID,
			Resource: resource,
			Action:   action,
			Details:  map[string]string{"reason": reasonInsufficientPermissions},
		})
		r.logger.Debug("access denied",
			zap.String("user_id", sess.UserID),
			zap.String("resource", resource),
			zap.String("action", action),
		)
		return false
	}

	r.bus.PublishAudit(model.AuditLogEntry{
		UserID:    sess.UserID,
		Action:    action,
		Resource:  resource,
		Result:    model.AuditSuccess,
		SessionID: sess.AccessToken,
	})
	return true
}

// grantsMatch must be called with the read lock held.
func (r *Resolver) grantsMatch(permissionIDs []string, resource, action string) bool {
	for _, id := range permissionIDs {
		p, ok := r.permissions[id]
		if !ok {
			continue
		}
		if p.Resource.Matches(resource) && p.Action.Matches(action) {
			return true
		}
	}
	return false
}

// roleGrants must be called with the read lock held.
func (r *Resolver) roleGrants(roleID, resource, action string, visited map[string]bool) bool {
	if visited[roleID] {
		return false
	}
	visited[roleID] = true

	role, ok := r.roles[roleID]
	if !ok {
		return false
	}
	if r.grantsMatch(role.PermissionIDs, resource, action) {
		return true
	}
	for _, inherited := range role.Inherits {
		if r.roleGrants(inherited, resource, action, visited) {
			return true
		}
	}
	return false
}
