package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/pkg/codes"
)

type IDParams struct {
	ID string `json:"id"`
}

type GroupAddParams struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled,omitempty"` // defaults to true
}

type UserAddParams struct {
	ID           string           `json:"id"`
	GroupID      string           `json:"group_id"`
	Username     string           `json:"username"`
	Password     string           `json:"password"`
	Enabled      *bool            `json:"enabled,omitempty"` // defaults to true
	MTThroughput float64          `json:"mt_throughput,omitempty"`
	Quota        *decimal.Decimal `json:"quota,omitempty"`
}

// UserView is a user as listed, without its password hash.
type UserView struct {
	ID           string           `json:"id"`
	GroupID      string           `json:"group_id"`
	Username     string           `json:"username"`
	Enabled      bool             `json:"enabled"`
	MTThroughput float64          `json:"mt_throughput"`
	Quota        *decimal.Decimal `json:"quota,omitempty"`
}

type GroupRemoveResult struct {
	RemovedUsers []string `json:"removed_users"`
}

func (s *Service) registerAccounts(srv *rpc.Server) {
	s.handle(srv, MethodGroupAdd, writer, s.groupAdd)
	s.handle(srv, MethodGroupRemove, writer, s.groupRemove)
	s.handle(srv, MethodGroupEnable, writer, s.groupToggle(true))
	s.handle(srv, MethodGroupDisable, writer, s.groupToggle(false))
	s.handle(srv, MethodGroupList, readOnly, func(context.Context, json.RawMessage) (any, error) {
		return s.accounts.Groups(), nil
	})

	s.handle(srv, MethodUserAdd, writer, s.userAdd)
	s.handle(srv, MethodUserRemove, writer, s.userRemove)
	s.handle(srv, MethodUserEnable, writer, s.userToggle(true))
	s.handle(srv, MethodUserDisable, writer, s.userToggle(false))
	s.handle(srv, MethodUserList, readOnly, s.userList)
}

func enabledOr(v *bool) bool {
	return v == nil || *v
}

func (s *Service) groupAdd(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[GroupAddParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.AddGroup(routable.Group{ID: p.ID, Enabled: enabledOr(p.Enabled)}); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Group added", slog.String("group_id", p.ID))
	return ack, nil
}

func (s *Service) groupRemove(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[IDParams](params)
	if err != nil {
		return nil, err
	}
	removed, err := s.accounts.RemoveGroup(p.ID)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Group removed", slog.String("group_id", p.ID), slog.Any("removed_users", removed))
	if removed == nil {
		removed = []string{}
	}
	return GroupRemoveResult{RemovedUsers: removed}, nil
}

func (s *Service) groupToggle(enabled bool) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[IDParams](params)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.SetGroupEnabled(p.ID, enabled); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Group toggled", slog.String("group_id", p.ID), slog.Bool("enabled", enabled))
		return ack, nil
	}
}

func (s *Service) userAdd(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[UserAddParams](params)
	if err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, codes.New(codes.KindConfiguration, "user %q needs a password", p.ID)
	}
	if !s.accounts.HasGroup(p.GroupID) {
		return nil, codes.New(codes.KindConfiguration, "user %q references unknown group %q", p.ID, p.GroupID)
	}
	hash, err := auth.HashPassword(p.Password)
	if err != nil {
		return nil, codes.Wrap(codes.KindInternal, err, "hash password")
	}
	u := routable.User{
		ID:           p.ID,
		GroupID:      p.GroupID,
		Username:     p.Username,
		PasswordHash: hash,
		Enabled:      enabledOr(p.Enabled),
		MTThroughput: p.MTThroughput,
		Quota:        p.Quota,
	}
	if err := s.accounts.AddUser(u); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "User added", slog.String("user_id", p.ID), slog.String("username", p.Username), slog.String("group_id", p.GroupID))
	return ack, nil
}

func (s *Service) userRemove(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[IDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.RemoveUser(p.ID); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "User removed", slog.String("user_id", p.ID))
	return ack, nil
}

func (s *Service) userToggle(enabled bool) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[IDParams](params)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.SetUserEnabled(p.ID, enabled); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "User toggled", slog.String("user_id", p.ID), slog.Bool("enabled", enabled))
		return ack, nil
	}
}

func (s *Service) userList(context.Context, json.RawMessage) (any, error) {
	users := s.accounts.Users()
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, UserView{
			ID:           u.ID,
			GroupID:      u.GroupID,
			Username:     u.Username,
			Enabled:      u.Enabled,
			MTThroughput: u.MTThroughput,
			Quota:        u.Quota,
		})
	}
	return out, nil
}
