package model

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound is returned by UserStore implementations when no user
// matches the given identifier.
var ErrUserNotFound = errors.New("user not found")

// -------------------- USER MODEL --------------------

type User struct {
	UserID             string            `json:"user_id" db:"user_id"` // UUID
	Username           string            `json:"username" db:"username"`
	Email              string            `json:"email" db:"email"`
	PasswordHash       string            `json:"-" db:"password_hash"` // argon2id, never plaintext
	RoleIDs            []string          `json:"role_ids" db:"role_ids"`
	PermissionIDs      []string          `json:"permission_ids" db:"permission_ids"` // direct grants
	MFAEnabled         bool              `json:"mfa_enabled" db:"mfa_enabled"`
	MFASecret          string            `json:"-" db:"mfa_secret"` // TOTP secret, encrypted at rest
	LoginAttempts      int               `json:"login_attempts" db:"login_attempts"`
	LockedUntil        *time.Time        `json:"locked_until,omitempty" db:"locked_until"`
	LastLogin          *time.Time        `json:"last_login,omitempty" db:"last_login"`
	Metadata           map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
	LastPasswordChange time.Time         `json:"last_password_change" db:"last_password_change"`
}

// Clone returns a deep copy so callers never share the engine's mutable state.
func (u *User) Clone() *User {
	cp := *u
	cp.RoleIDs = append([]string(nil), u.RoleIDs...)
	cp.PermissionIDs = append([]string(nil), u.PermissionIDs...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		cp.LockedUntil = &t
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		cp.LastLogin = &t
	}
	if u.Metadata != nil {
		cp.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// -------------------- RBAC MODELS --------------------

// Wildcard matches any resource or action in a permission matcher.
const Wildcard = Matcher("*")

// Matcher is a resource or action pattern: either a literal or Wildcard.
type Matcher string

func (m Matcher) Matches(value string) bool {
	return m == Wildcard || string(m) == value
}

type Permission struct {
	PermissionID string  `json:"permission_id" db:"permission_id"`
	Resource     Matcher `json:"resource" db:"resource"`
	Action       Matcher `json:"action" db:"action"`
}

type Role struct {
	RoleID        string    `json:"role_id" db:"role_id"`
	Name          string    `json:"name" db:"name"`
	PermissionIDs []string  `json:"permission_ids" db:"permission_ids"`
	Inherits      []string  `json:"inherits,omitempty" db:"inherits"` // transitive role membership
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- SESSION MODEL --------------------

type Session struct {
	AccessToken  string    `json:"access_token" db:"access_token"`
	RefreshToken string    `json:"refresh_token" db:"refresh_token"`
	UserID       string    `json:"user_id" db:"user_id"`
	Scope        []string  `json:"scope" db:"scope"` // permission ids at issue time
	IssuedAt     time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	IPAddress    string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string    `json:"user_agent,omitempty" db:"user_agent"`
}

// -------------------- SECURITY EVENT MODEL --------------------

type EventType string

const (
	EventLogin             EventType = "login"
	EventLogout            EventType = "logout"
	EventAccessDenied      EventType = "access_denied"
	EventPermissionGranted EventType = "permission_granted"
	EventThreatDetected    EventType = "threat_detected"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type SecurityEvent struct {
	EventID   string            `json:"event_id" db:"event_id"` // UUID
	Type      EventType         `json:"type" db:"type"`
	Severity  Severity          `json:"severity" db:"severity"`
	UserID    string            `json:"user_id,omitempty" db:"user_id"`
	Resource  string            `json:"resource,omitempty" db:"resource"`
	Action    string            `json:"action,omitempty" db:"action"`
	Details   map[string]string `json:"details,omitempty" db:"details"`
	IPAddress string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string            `json:"user_agent,omitempty" db:"user_agent"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}

// -------------------- THREAT MODEL --------------------

type ThreatType string

const (
	ThreatBruteForce         ThreatType = "brute_force"
	ThreatSuspiciousActivity ThreatType = "suspicious_activity"
	ThreatUnauthorizedAccess ThreatType = "unauthorized_access"
)

type ThreatStatus string

const (
	ThreatStatusActive        ThreatStatus = "active"
	ThreatStatusInvestigating ThreatStatus = "investigating"
	ThreatStatusResolved      ThreatStatus = "resolved"
	ThreatStatusFalsePositive ThreatStatus = "false_positive"
)

type Threat struct {
	ThreatID    string       `json:"threat_id" db:"threat_id"` // UUID
	Type        ThreatType   `json:"type" db:"type"`
	Severity    Severity     `json:"severity" db:"severity"`
	Description string       `json:"description" db:"description"`
	Indicators  []string     `json:"indicators" db:"indicators"`
	Mitigations []string     `json:"mitigations" db:"mitigations"`
	Status      ThreatStatus `json:"status" db:"status"`
	DetectedAt  time.Time    `json:"detected_at" db:"detected_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// -------------------- AUDIT MODEL --------------------

type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditError   AuditResult = "error"
)

type AuditLogEntry struct {
	EntryID   string            `json:"entry_id" db:"entry_id"` // UUID
	UserID    string            `json:"user_id" db:"user_id"`
	Action    string            `json:"action" db:"action"`
	Resource  string            `json:"resource" db:"resource"`
	Details   map[string]string `json:"details,omitempty" db:"details"`
	Result    AuditResult       `json:"result" db:"result"`
	SessionID string            `json:"session_id,omitempty" db:"session_id"`
	IPAddress string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string            `json:"user_agent,omitempty" db:"user_agent"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}

// -------------------- METRICS MODEL --------------------

// SecurityMetrics is a derived read-only snapshot, never stored state.
type SecurityMetrics struct {
	TotalUsers       int       `json:"total_users"`
	ActiveSessions   int       `json:"active_sessions"`
	FailedLogins     int       `json:"failed_logins"`
	SuccessfulLogins int       `json:"successful_logins"`
	ActiveThreats    int       `json:"active_threats"`
	AuditVolume      int       `json:"audit_volume"`
	ComplianceScore  float64   `json:"compliance_score"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// -------------------- COLLABORATOR INTERFACES --------------------

// Clock supplies current time; injected so tests can control expiry,
// lockout windows and detection windows.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// UserStore is the external credential-store capability the engine consumes.
// Implementations may be backed by memory, Scylla, or anything else; the
// engine only relies on lookup and persist semantics.
type UserStore interface {
	// FindByIdentifier resolves a user by username or email. Returns
	// ErrUserNotFound when absent.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	FindByID(ctx context.Context, userID string) (*User, error)
	// Persist inserts or replaces the user record.
	Persist(ctx context.Context, user *User) error
	Delete(ctx context.Context, userID string) error
	All(ctx context.Context) ([]*User, error)
	Count(ctx context.Context) (int, error)
}
