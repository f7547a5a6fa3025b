// Package account holds the groups and users allowed to submit messages.
package account

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/pkg/codes"
	"golang.org/x/time/rate"
)

// Registry is the in-memory account store. Reads take a short read lock;
// the control plane is the only writer.
type Registry struct {
	mu       sync.RWMutex
	groups   map[string]*routable.Group
	users    map[string]*routable.User // by id
	byName   map[string]string         // username -> id
	limiters map[string]*rate.Limiter  // by user id, only throttled users
}

func NewRegistry() *Registry {
	return &Registry{
		groups:   make(map[string]*routable.Group),
		users:    make(map[string]*routable.User),
		byName:   make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddGroup registers a new group.
func (r *Registry) AddGroup(g routable.Group) error {
	if g.ID == "" {
		return codes.New(codes.KindConfiguration, "group id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; ok {
		return codes.New(codes.KindConfiguration, "group %q already exists", g.ID)
	}
	r.groups[g.ID] = &g
	return nil
}

// RemoveGroup deletes a group together with its users and returns the ids of
// the removed users.
func (r *Registry) RemoveGroup(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; !ok {
		return nil, codes.New(codes.KindNotFound, "unknown group %q", id)
	}
	var removed []string
	for uid, u := range r.users {
		if u.GroupID == id {
			r.deleteUserLocked(uid)
			removed = append(removed, uid)
		}
	}
	delete(r.groups, id)
	sort.Strings(removed)
	return removed, nil
}

// SetGroupEnabled toggles a group. Member users are affected immediately
// since authentication consults the group.
func (r *Registry) SetGroupEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return codes.New(codes.KindNotFound, "unknown group %q", id)
	}
	g.Enabled = enabled
	return nil
}

// Groups lists copies of all groups sorted by id.
func (r *Registry) Groups() []routable.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]routable.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasGroup reports whether the group exists.
func (r *Registry) HasGroup(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[id]
	return ok
}

// AddUser registers a user. The user must belong to an existing group and
// carry a password hash; ids and usernames are unique.
func (r *Registry) AddUser(u routable.User) error {
	switch {
	case u.ID == "":
		return codes.New(codes.KindConfiguration, "user id is required")
	case u.Username == "":
		return codes.New(codes.KindConfiguration, "username is required")
	case u.PasswordHash == "":
		return codes.New(codes.KindConfiguration, "user %q has no password", u.ID)
	case u.MTThroughput < 0:
		return codes.New(codes.KindConfiguration, "mt throughput cannot be negative")
	case u.Quota != nil && u.Quota.IsNegative():
		return codes.New(codes.KindConfiguration, "quota cannot be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[u.GroupID]; !ok {
		return codes.New(codes.KindConfiguration, "user %q references unknown group %q", u.ID, u.GroupID)
	}
	if _, ok := r.users[u.ID]; ok {
		return codes.New(codes.KindConfiguration, "user %q already exists", u.ID)
	}
	if _, ok := r.byName[u.Username]; ok {
		return codes.New(codes.KindConfiguration, "username %q is taken", u.Username)
	}
	stored := copyUser(&u)
	r.users[u.ID] = stored
	r.byName[u.Username] = u.ID
	if u.MTThroughput > 0 {
		r.limiters[u.ID] = newLimiter(u.MTThroughput)
	}
	return nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// RemoveUser deletes a user.
func (r *Registry) RemoveUser(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return codes.New(codes.KindNotFound, "unknown user %q", id)
	}
	r.deleteUserLocked(id)
	return nil
}

func (r *Registry) deleteUserLocked(id string) {
	if u, ok := r.users[id]; ok {
		delete(r.byName, u.Username)
	}
	delete(r.users, id)
	delete(r.limiters, id)
}

// SetUserEnabled toggles a user.
func (r *Registry) SetUserEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return codes.New(codes.KindNotFound, "unknown user %q", id)
	}
	u.Enabled = enabled
	return nil
}

// User returns a copy of the user with the given id.
func (r *Registry) User(id string) (*routable.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, false
	}
	return copyUser(u), true
}

// Users lists copies of all users sorted by id.
func (r *Registry) Users() []routable.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]routable.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Authenticate checks the credentials and returns a copy of the user. A
// disabled user or a user of a disabled group fails like a wrong password.
func (r *Registry) Authenticate(ctx context.Context, username, password string) (*routable.User, error) {
	r.mu.RLock()
	id, ok := r.byName[username]
	var u *routable.User
	var groupEnabled bool
	if ok {
		u = copyUser(r.users[id])
		if g, found := r.groups[u.GroupID]; found {
			groupEnabled = g.Enabled
		}
	}
	r.mu.RUnlock()

	fail := codes.New(codes.KindAuthentication, "Authentication failure for username:%s", username)
	if u == nil {
		slog.InfoContext(ctx, "Authentication failed, unknown username", slog.String("username", username))
		return nil, fail
	}
	if !auth.CheckPasswordHash(password, u.PasswordHash) {
		slog.InfoContext(ctx, "Authentication failed, wrong password", slog.String("username", username))
		return nil, fail
	}
	if !u.Enabled || !groupEnabled {
		slog.InfoContext(ctx, "Authentication failed, account disabled",
			slog.String("username", username), slog.Bool("user_enabled", u.Enabled), slog.Bool("group_enabled", groupEnabled))
		return nil, fail
	}
	return u, nil
}

// Allow consumes one unit of the user's MT throughput. Users without a
// throughput limit are always allowed.
func (r *Registry) Allow(userID string) error {
	r.mu.RLock()
	l, ok := r.limiters[userID]
	r.mu.RUnlock()
	if ok && !l.Allow() {
		return codes.New(codes.KindThrottled, "User throughput exceeded")
	}
	return nil
}

// Charge debits amount from the user's quota. Users without a quota have an
// unlimited balance.
func (r *Registry) Charge(userID string, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return codes.New(codes.KindNotFound, "unknown user %q", userID)
	}
	if u.Quota == nil || amount.IsZero() {
		return nil
	}
	if u.Quota.LessThan(amount) {
		return codes.New(codes.KindInsufficientBalance, "balance %s is below charge %s", u.Quota.String(), amount.String())
	}
	left := u.Quota.Sub(amount)
	u.Quota = &left
	return nil
}

// Refund credits back a charge whose message could not be dispatched.
func (r *Registry) Refund(userID string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || u.Quota == nil || amount.IsZero() {
		return
	}
	back := u.Quota.Add(amount)
	u.Quota = &back
}

// Check reports whether groups and users form a valid registry content,
// without touching any registry.
func Check(groups []routable.Group, users []routable.User) error {
	_, err := build(groups, users)
	return err
}

func build(groups []routable.Group, users []routable.User) (*Registry, error) {
	next := NewRegistry()
	for _, g := range groups {
		if err := next.AddGroup(g); err != nil {
			return nil, err
		}
	}
	for _, u := range users {
		if err := next.AddUser(u); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Replace swaps the whole registry content, validating it first.
func (r *Registry) Replace(groups []routable.Group, users []routable.User) error {
	next, err := build(groups, users)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups, r.users, r.byName, r.limiters = next.groups, next.users, next.byName, next.limiters
	return nil
}

func copyUser(u *routable.User) *routable.User {
	c := *u
	if u.Quota != nil {
		q := *u.Quota
		c.Quota = &q
	}
	return &c
}
