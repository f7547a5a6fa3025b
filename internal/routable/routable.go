package routable

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction of a message through the gateway.
type Direction string

const (
	MT Direction = "MT" // mobile terminated, submitted by a user
	MO Direction = "MO" // mobile originated, received on a connector
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case MT, MO:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Well-known PDU parameter names.
const (
	ParamSourceAddr         = "source_addr"
	ParamDestinationAddr    = "destination_addr"
	ParamShortMessage       = "short_message"
	ParamDataCoding         = "data_coding"
	ParamEsmClass           = "esm_class"
	ParamRegisteredDelivery = "registered_delivery"
	ParamPriorityFlag       = "priority_flag"
)

// ErrFrozen is returned when mutating a Routable that was already dispatched.
var ErrFrozen = errors.New("routable is frozen")

// Group is a container of users; disabling it disables its users.
type Group struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// User is an account allowed to submit MT messages.
type User struct {
	ID           string           `json:"id"`
	GroupID      string           `json:"group_id"`
	Username     string           `json:"username"`
	PasswordHash string           `json:"password_hash"`
	Enabled      bool             `json:"enabled"`
	MTThroughput float64          `json:"mt_throughput"` // msgs/sec, 0 means unlimited
	Quota        *decimal.Decimal `json:"quota,omitempty"`
}

// PDU is the protocol payload carried by a Routable. Params holds the
// protocol parameters keyed by their SMPP names.
type PDU struct {
	Params map[string]any `json:"params"`
}

// Routable is the in-flight message envelope passed through filters,
// interception scripts and connectors.
type Routable struct {
	ID              string    `json:"id"`
	Direction       Direction `json:"direction"`
	PDU             *PDU      `json:"pdu"`
	User            *User     `json:"user,omitempty"`
	SourceConnector string    `json:"source_connector,omitempty"`
	Connector       string    `json:"connector,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`

	mu     sync.RWMutex
	frozen bool
}

// New builds a Routable with a fresh id and the given parameters.
func New(dir Direction, params map[string]any) *Routable {
	if params == nil {
		params = make(map[string]any)
	}
	return &Routable{
		ID:         uuid.NewString(),
		Direction:  dir,
		PDU:        &PDU{Params: params},
		ReceivedAt: time.Now(),
	}
}

// Param returns a PDU parameter.
func (r *Routable) Param(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.PDU.Params[name]
	return v, ok
}

// StringParam returns a PDU parameter rendered as a string ("" when absent).
func (r *Routable) StringParam(name string) string {
	v, ok := r.Param(name)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// IntParam returns a numeric PDU parameter. Params that crossed a JSON
// boundary arrive as float64 and are accepted too.
func (r *Routable) IntParam(name string) (int, bool) {
	v, ok := r.Param(name)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func (r *Routable) SourceAddr() string      { return r.StringParam(ParamSourceAddr) }
func (r *Routable) DestinationAddr() string { return r.StringParam(ParamDestinationAddr) }
func (r *Routable) Content() string         { return r.StringParam(ParamShortMessage) }

// SetParam sets a PDU parameter. It fails once the Routable is frozen.
func (r *Routable) SetParam(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.PDU.Params[name] = value
	return nil
}

// ReplaceParams swaps the whole parameter map, as done after a successful
// interception pass.
func (r *Routable) ReplaceParams(params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.PDU.Params = maps.Clone(params)
	return nil
}

// Params returns a copy of the PDU parameters.
func (r *Routable) Params() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.PDU.Params)
}

// AddTag attaches a tag; tags are matched by tag filters.
func (r *Routable) AddTag(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if !slices.Contains(r.Tags, tag) {
		r.Tags = append(r.Tags, tag)
	}
	return nil
}

func (r *Routable) HasTag(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.Tags, tag)
}

// SetConnector records the connector chosen by routing.
func (r *Routable) SetConnector(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.Connector = id
	return nil
}

// Freeze makes the Routable immutable. Called right before dispatch.
func (r *Routable) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Routable) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Clone returns an unfrozen deep copy suitable for handing to a script.
func (r *Routable) Clone() *Routable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Routable{
		ID:              r.ID,
		Direction:       r.Direction,
		PDU:             &PDU{Params: maps.Clone(r.PDU.Params)},
		SourceConnector: r.SourceConnector,
		Connector:       r.Connector,
		Tags:            slices.Clone(r.Tags),
		ReceivedAt:      r.ReceivedAt,
	}
	if r.User != nil {
		u := *r.User
		c.User = &u
	}
	return c
}

// Username returns the submitting user's name, "" for MO traffic.
func (r *Routable) Username() string {
	if r.User == nil {
		return ""
	}
	return r.User.Username
}

// GroupID returns the submitting user's group, "" for MO traffic.
func (r *Routable) GroupID() string {
	if r.User == nil {
		return ""
	}
	return r.User.GroupID
}
