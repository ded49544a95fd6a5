package statestore

import (
	"time"
)

type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeInteger PropertyType = "integer"
	TypeBoolean PropertyType = "boolean"
	TypeObject  PropertyType = "object"
	TypeArray   PropertyType = "array"
	TypeAny     PropertyType = "any"
)

type Constraints struct {
	Minimum   *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum      []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	MinItems  *int     `json:"minItems,omitempty" yaml:"minItems,omitempty"`
	MaxItems  *int     `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
}

type PropertySchema struct {
	Type        PropertyType `json:"type" yaml:"type"`
	Required    bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any          `json:"default,omitempty" yaml:"default,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// UpdateStrategy controls how updates to a state are scheduled. Batched
// updates go through the store's work queue; others apply inline.
type UpdateStrategy struct {
	Batching bool `json:"batching,omitempty" yaml:"batching,omitempty"`
}

type StateDefinition struct {
	StateID   string                    `json:"stateId" yaml:"stateId"`
	ClientID  string                    `json:"clientId" yaml:"clientId"`
	Schema    map[string]PropertySchema `json:"schema" yaml:"schema"`
	Strategy  UpdateStrategy            `json:"strategy" yaml:"strategy"`
	IsActive  bool                      `json:"isActive" yaml:"-"`
	CreatedAt time.Time                 `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time                 `json:"updatedAt" yaml:"-"`
}

type UpdateType string

const (
	UpdateSet       UpdateType = "set"
	UpdateMerge     UpdateType = "merge"
	UpdateDelete    UpdateType = "delete"
	UpdateIncrement UpdateType = "increment"
	UpdateAppend    UpdateType = "append"
	UpdateRemove    UpdateType = "remove"
)

func (t UpdateType) Valid() bool {
	switch t {
	case UpdateSet, UpdateMerge, UpdateDelete, UpdateIncrement, UpdateAppend, UpdateRemove:
		return true
	}
	return false
}

type UpdateStatus string

const (
	StatusPending UpdateStatus = "pending"
	StatusApplied UpdateStatus = "applied"
	StatusFailed  UpdateStatus = "failed"
)

type UpdateData struct {
	Path    []string `json:"path,omitempty"`
	Value   any      `json:"value,omitempty"`
	Version int64    `json:"version,omitempty"`
}

type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// StateUpdate is an intent to mutate one state. The store owns Status and
// Validation; once Status leaves pending the update is final.
type StateUpdate struct {
	UpdateID   string            `json:"updateId"`
	StateID    string            `json:"stateId"`
	ClientID   string            `json:"clientId"`
	Type       UpdateType        `json:"updateType"`
	Data       UpdateData        `json:"data"`
	Timestamp  time.Time         `json:"timestamp"`
	Status     UpdateStatus      `json:"status"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

func (u StateUpdate) Clone() StateUpdate {
	out := u
	out.Data.Path = append([]string(nil), u.Data.Path...)
	out.Data.Value = cloneValue(u.Data.Value)
	if u.Validation != nil {
		v := *u.Validation
		v.Errors = append([]FieldError(nil), u.Validation.Errors...)
		out.Validation = &v
	}
	return out
}

func (u *StateUpdate) pending() bool {
	return u.Status == "" || u.Status == StatusPending
}

type Snapshot struct {
	StateID   string    `json:"stateId"`
	ClientID  string    `json:"clientId"`
	Data      any       `json:"data"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

type Info struct {
	StateID      string    `json:"stateId"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
	Checksum     string    `json:"checksum"`
	IsActive     bool      `json:"isActive"`
	Batching     bool      `json:"batching"`
}

type Event struct {
	StateID string
	Value   any
	Update  StateUpdate
}

type Callback func(Event)

type SubscribeOptions struct {
	Filter   func(Event) bool
	Priority int
}
