package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/thrillee/aegisroute/internal/routable"
)

func init() {
	Register(KindTransparent, buildTransparent)
	Register(KindUser, buildUser)
	Register(KindGroup, buildGroup)
	Register(KindConnector, buildConnector)
	Register(KindSourceAddr, patternBuilder(func(r *routable.Routable) string { return r.SourceAddr() }))
	Register(KindDestinationAddr, patternBuilder(func(r *routable.Routable) string { return r.DestinationAddr() }))
	Register(KindShortMessage, patternBuilder(func(r *routable.Routable) string { return r.Content() }))
	Register(KindTimeWindow, buildTimeWindow)
	Register(KindTag, buildTag)
	Register(KindExpression, buildExpression)
}

func buildTransparent(params map[string]any) (Predicate, error) {
	if len(params) > 0 {
		return nil, errors.New("transparent filter takes no params")
	}
	return func(*routable.Routable) bool { return true }, nil
}

type userParams struct {
	ID       string `mapstructure:"id"`
	Username string `mapstructure:"username"`
}

func buildUser(params map[string]any) (Predicate, error) {
	var p userParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.ID != "":
		return func(r *routable.Routable) bool { return r.User != nil && r.User.ID == p.ID }, nil
	case p.Username != "":
		return func(r *routable.Routable) bool { return r.Username() == p.Username }, nil
	}
	return nil, errors.New("user filter requires id or username")
}

type idParams struct {
	ID string `mapstructure:"id"`
}

func buildGroup(params map[string]any) (Predicate, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("group filter requires id")
	}
	return func(r *routable.Routable) bool { return r.GroupID() == p.ID }, nil
}

// buildConnector matches the connector an MO message was received on.
func buildConnector(params map[string]any) (Predicate, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("connector filter requires id")
	}
	return func(r *routable.Routable) bool { return r.SourceConnector == p.ID }, nil
}

type patternParams struct {
	Pattern string `mapstructure:"pattern"`
}

func patternBuilder(field func(*routable.Routable) string) Builder {
	return func(params map[string]any) (Predicate, error) {
		var p patternParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Pattern == "" {
			return nil, errors.New("pattern is required")
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("malformed pattern %q: %w", p.Pattern, err)
		}
		return func(r *routable.Routable) bool { return re.MatchString(field(r)) }, nil
	}
}

type tagParams struct {
	Tag string `mapstructure:"tag"`
}

func buildTag(params map[string]any) (Predicate, error) {
	var p tagParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Tag == "" {
		return nil, errors.New("tag filter requires tag")
	}
	return func(r *routable.Routable) bool { return r.HasTag(p.Tag) }, nil
}

type timeWindowParams struct {
	Cron     string `mapstructure:"cron"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	Location string `mapstructure:"location"`
}

// buildTimeWindow matches on the message's reception time, either against a
// standard five field cron expression (the minute must be scheduled) or
// against a from/to clock range that may wrap midnight.
func buildTimeWindow(params map[string]any) (Predicate, error) {
	var p timeWindowParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	loc := time.UTC
	if p.Location != "" {
		l, err := time.LoadLocation(p.Location)
		if err != nil {
			return nil, fmt.Errorf("unknown location %q: %w", p.Location, err)
		}
		loc = l
	}

	if p.Cron != "" {
		sched, err := cron.ParseStandard(p.Cron)
		if err != nil {
			return nil, fmt.Errorf("malformed cron expression %q: %w", p.Cron, err)
		}
		return func(r *routable.Routable) bool {
			minute := r.ReceivedAt.In(loc).Truncate(time.Minute)
			return sched.Next(minute.Add(-time.Nanosecond)).Equal(minute)
		}, nil
	}

	if p.From == "" || p.To == "" {
		return nil, errors.New("time_window filter requires cron or from/to")
	}
	from, err := parseClock(p.From)
	if err != nil {
		return nil, err
	}
	to, err := parseClock(p.To)
	if err != nil {
		return nil, err
	}
	return func(r *routable.Routable) bool {
		t := r.ReceivedAt.In(loc)
		now := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
		if from <= to {
			return now >= from && now <= to
		}
		return now >= from || now <= to
	}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("malformed clock %q, want HH:MM: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
