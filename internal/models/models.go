package models

import (
	"encoding/json"
	"slices"
	"time"

	"gorm.io/datatypes"
)

// Intent lifecycle.
const (
	IntentPending = "pending"
	IntentQueued  = "queued"
	IntentRunning = "running"
	IntentApplied = "applied"
	IntentFailed  = "failed"
)

// Run results.
const (
	RunQueued  = "queued"
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

const (
	ClusterRegistered  = "registered"
	ClusterReachable   = "reachable"
	ClusterUnreachable = "unreachable"
)

const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
)

const (
	ResourceSpark = "sparkapplication"
	ResourceKafka = "kafka"
)

// User is a platform identity, local or provisioned from LDAP.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:128;not null" json:"username"`
	Email        string    `gorm:"size:256;index" json:"email"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	DisplayName  string    `gorm:"size:256" json:"displayName"`
	Active       bool      `json:"active"`
	Roles        []Role    `gorm:"many2many:user_roles" json:"roles,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Role struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Description string       `gorm:"size:256" json:"description"`
	Permissions []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
}

type Permission struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Description string `gorm:"size:256" json:"description"`
}

// NamespaceScope layers allow/deny action lists over global permissions for
// one (user, cluster, namespace).
type NamespaceScope struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	UserID         uint                        `gorm:"uniqueIndex:ux_namespace_scope;not null" json:"userId"`
	ClusterID      uint                        `gorm:"uniqueIndex:ux_namespace_scope;not null" json:"clusterId"`
	Namespace      string                      `gorm:"uniqueIndex:ux_namespace_scope;size:253;not null" json:"namespace"`
	AllowedActions datatypes.JSONSlice[string] `json:"allowedActions"`
	DeniedActions  datatypes.JSONSlice[string] `json:"deniedActions"`
	CreatedAt      time.Time                   `json:"createdAt"`
	UpdatedAt      time.Time                   `json:"updatedAt"`
}

func (s NamespaceScope) Allows(action string) bool {
	return slices.Contains(s.AllowedActions, action)
}

func (s NamespaceScope) Denies(action string) bool {
	return slices.Contains(s.DeniedActions, action)
}

// Cluster is a registered Kubernetes target. The kubeconfig is stored AES-GCM encrypted.
type Cluster struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	Name                   string         `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Description            string         `gorm:"size:512" json:"description"`
	EncryptedKubeconfig    []byte         `json:"-"`
	DefaultNamespacePolicy datatypes.JSON `json:"defaultNamespacePolicy"`
	Labels                 datatypes.JSON `json:"labels"`
	Status                 string         `gorm:"size:32;not null" json:"status"`
	CreatedBy              uint           `json:"createdBy"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

// ResourceIntent is a declarative request for a managed workload on a cluster.
type ResourceIntent struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ResourceType string         `gorm:"size:64;index;not null" json:"resourceType"`
	Name         string         `gorm:"size:253" json:"name"`
	Mode         string         `gorm:"size:64" json:"mode"`
	ClusterID    uint           `gorm:"index;not null" json:"clusterId"`
	Namespace    string         `gorm:"size:253;not null" json:"namespace"`
	Spec         datatypes.JSON `json:"spec"`
	CreatedBy    uint           `json:"createdBy"`
	Status       string         `gorm:"size:32;index;not null" json:"status"`
	Runs         []ResourceRun  `gorm:"foreignKey:IntentID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ResourceRun is one execution of an intent. Retries reuse the row.
type ResourceRun struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	IntentID   uint       `gorm:"index;not null" json:"intentId"`
	Action     string     `gorm:"size:32;not null" json:"action"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Result     string     `gorm:"size:32;not null" json:"result"`
	RetryCount int        `gorm:"not null" json:"retryCount"`
	LogsRef    string     `gorm:"size:512" json:"logsRef,omitempty"`
}

// Terminal reports whether the run reached success or failed.
func (r ResourceRun) Terminal() bool {
	return r.Result == RunSuccess || r.Result == RunFailed
}

// ObservedResource is the last live state read back from a cluster.
type ObservedResource struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ClusterID    uint           `gorm:"uniqueIndex:ux_observed_resource;not null" json:"clusterId"`
	Namespace    string         `gorm:"uniqueIndex:ux_observed_resource;size:253;not null" json:"namespace"`
	ResourceType string         `gorm:"uniqueIndex:ux_observed_resource;size:64;not null" json:"resourceType"`
	ResourceName string         `gorm:"uniqueIndex:ux_observed_resource;size:253;not null" json:"resourceName"`
	Observed     datatypes.JSON `json:"observed"`
	ObservedAt   time.Time      `json:"observedAt"`
}

type AlertRule struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	Name        string                      `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Scope       datatypes.JSON              `json:"scope"`
	Query       string                      `gorm:"column:promql;type:text;not null" json:"promql"`
	IntervalSec int                         `json:"intervalSec"`
	Threshold   float64                     `json:"threshold"`
	Severity    string                      `gorm:"size:32" json:"severity"`
	Channels    datatypes.JSONSlice[string] `json:"channels"`
	Enabled     bool                        `gorm:"index" json:"enabled"`
	CreatedBy   uint                        `json:"createdBy"`
	CreatedAt   time.Time                   `json:"createdAt"`
}

type AlertFiring struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	RuleID   uint           `gorm:"index;not null" json:"ruleId"`
	Value    float64        `json:"value"`
	Evidence datatypes.JSON `json:"evidence"`
	FiredAt  time.Time      `json:"firedAt"`
}

type Incident struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	RuleID         uint           `gorm:"index;not null" json:"ruleId"`
	FiringID       uint           `gorm:"index" json:"firingId"`
	Severity       string         `gorm:"size:32" json:"severity"`
	State          string         `gorm:"size:32;index;not null" json:"state"`
	Evidence       datatypes.JSON `json:"evidence"`
	AISummaryRef   string         `gorm:"size:512" json:"aiSummaryRef,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *uint          `json:"acknowledgedBy,omitempty"`
}

// AuditLog rows are append-only.
type AuditLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ActorID      *uint          `gorm:"index" json:"actorId,omitempty"`
	Action       string         `gorm:"size:128;index;not null" json:"action"`
	ResourceKind string         `gorm:"size:64" json:"resourceKind"`
	ResourceID   string         `gorm:"size:128" json:"resourceId"`
	Diff         datatypes.JSON `json:"diff"`
	Outcome      string         `gorm:"size:32;not null" json:"outcome"`
	IP           string         `gorm:"size:64" json:"ip,omitempty"`
	Ts           time.Time      `gorm:"index" json:"ts"`
}

func (AuditLog) TableName() string { return "audit_log" }

// AIPricing holds the per-1K-token price of one model.
type AIPricing struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Model           string    `gorm:"size:128;uniqueIndex;not null" json:"model"`
	PromptPer1K     float64   `gorm:"column:prompt_per_1k" json:"promptPer1k"`
	CompletionPer1K float64   `gorm:"column:completion_per_1k" json:"completionPer1k"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AIRequest records one model call for usage and cost reporting.
type AIRequest struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           *uint          `gorm:"index" json:"userId,omitempty"`
	Feature          string         `gorm:"size:64;index;not null" json:"feature"`
	Model            string         `gorm:"size:128;index;not null" json:"model"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	TotalTokens      int            `json:"totalTokens"`
	TotalCost        float64        `json:"totalCost"`
	UnitCosts        datatypes.JSON `json:"unitCosts"`
	InputHash        string         `gorm:"size:64" json:"inputHash"`
	OutputRef        string         `gorm:"size:512" json:"outputRef,omitempty"`
	Output           string         `gorm:"type:text" json:"output,omitempty"`
	Ts               time.Time      `gorm:"index" json:"ts"`
}

// RevokedToken blocks a JWT by its ID until the token would expire anyway.
type RevokedToken struct {
	ID        uint      `gorm:"primaryKey"`
	JTI       string    `gorm:"size:64;uniqueIndex;not null"`
	UserID    uint      `gorm:"index"`
	ExpiresAt time.Time `gorm:"index"`
}

// All lists every model for migrations.
func All() []any {
	return []any{
		&User{}, &Role{}, &Permission{}, &NamespaceScope{}, &Cluster{},
		&ResourceIntent{}, &ResourceRun{}, &ObservedResource{},
		&AlertRule{}, &AlertFiring{}, &Incident{}, &AuditLog{},
		&AIPricing{}, &AIRequest{}, &RevokedToken{},
	}
}

// JSON marshals v into a JSON column value. Unmarshalable values become "{}".
func JSON(v any) datatypes.JSON {
	if v == nil {
		return datatypes.JSON("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
