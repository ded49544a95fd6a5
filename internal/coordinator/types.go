package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaystate/internal/statestore"
)

type LockType string

const (
	LockRead      LockType = "read"
	LockWrite     LockType = "write"
	LockExclusive LockType = "exclusive"
)

func (t LockType) Valid() bool {
	switch t {
	case LockRead, LockWrite, LockExclusive:
		return true
	}
	return false
}

type DataLock struct {
	LockID      string    `json:"lockId"`
	StateID     string    `json:"stateId"`
	ClientID    string    `json:"clientId"`
	OperationID string    `json:"operationId"`
	Type        LockType  `json:"type"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Priority    int       `json:"priority"`
}

type LockOptions struct {
	Timeout  time.Duration
	Priority int
	TTL      time.Duration
}

type ConflictType string

const (
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictDataCorruption   ConflictType = "data_corruption"
	ConflictLockTimeout      ConflictType = "lock_timeout"
)

type ConflictStatus string

const (
	ConflictDetected  ConflictStatus = "detected"
	ConflictResolving ConflictStatus = "resolving"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictFailed    ConflictStatus = "failed"
)

type ResolutionStrategy string

const (
	StrategyLastWriteWins  ResolutionStrategy = "last_write_wins"
	StrategyFirstWriteWins ResolutionStrategy = "first_write_wins"
	StrategyMerge          ResolutionStrategy = "merge"
	StrategyManual         ResolutionStrategy = "manual"
)

func ParseStrategy(raw string) (ResolutionStrategy, error) {
	switch s := ResolutionStrategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StrategyLastWriteWins, nil
	case StrategyLastWriteWins, StrategyFirstWriteWins, StrategyMerge, StrategyManual:
		return s, nil
	default:
		return "", fmt.Errorf("%w: resolution strategy %q", ErrInvalidInput, raw)
	}
}

type ConflictResolution struct {
	Strategy   ResolutionStrategy       `json:"strategy"`
	Winner     *statestore.StateUpdate  `json:"winner,omitempty"`
	Rejected   []statestore.StateUpdate `json:"rejected,omitempty"`
	Confidence float64                  `json:"confidence"`
	ResolvedAt time.Time                `json:"resolvedAt"`
}

type ConflictRecord struct {
	ConflictID         string                   `json:"conflictId"`
	ClientID           string                   `json:"clientId"`
	Type               ConflictType             `json:"type"`
	StateID            string                   `json:"stateId"`
	ConflictingUpdates []statestore.StateUpdate `json:"conflictingUpdates"`
	Status             ConflictStatus           `json:"status"`
	Resolution         *ConflictResolution      `json:"resolution,omitempty"`
	DetectedAt         time.Time                `json:"detectedAt"`
	Detail             string                   `json:"detail,omitempty"`
}

type BackupRecord struct {
	BackupID  string                 `json:"backupId"`
	ClientID  string                 `json:"clientId"`
	StateID   string                 `json:"stateId"`
	Version   int64                  `json:"version"`
	Checksum  string                 `json:"checksum"`
	Value     any                    `json:"value"`
	Update    statestore.StateUpdate `json:"update"`
	CreatedAt time.Time              `json:"createdAt"`
}

type IntegrityCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type IntegrityReport struct {
	StateID   string           `json:"stateId"`
	Valid     bool             `json:"valid"`
	Checks    []IntegrityCheck `json:"checks"`
	CheckedAt time.Time        `json:"checkedAt"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type AuditFinding struct {
	StateID  string   `json:"stateId"`
	Severity Severity `json:"severity"`
	Check    string   `json:"check"`
	Message  string   `json:"message"`
}

type AuditReport struct {
	ClientID      string         `json:"clientId"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   time.Time      `json:"completedAt"`
	StatesChecked int            `json:"statesChecked"`
	Findings      []AuditFinding `json:"findings"`
}

func (r AuditReport) Critical() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
