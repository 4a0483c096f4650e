// Package subscription tracks interest in the event stream: durable
// subscriptions that resume from a persisted offset and ephemeral
// connections that receive live pushes.
package subscription

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/rcliao/memory-hub/internal/model"
)

var (
	ErrNotFound      = errors.New("memory-hub: subscription not found")
	ErrInvalidFilter = errors.New("memory-hub: invalid subscription filter")
)

// Filter is a parsed channel expression.
//
// The grammar is a comma separated list of key:v1|v2 terms. Different keys
// must all match; values of one key (and repeated terms for that key) are
// alternatives. Keys are type, agent, profile, subject, protocol and
// min_importance. A bare word is a type. "*" or "" matches everything.
type Filter struct {
	raw           string
	types         map[model.EventType]bool
	agents        map[string]bool
	profiles      map[string]bool
	subjects      map[string]bool
	protocols     map[string]bool
	minImportance int
}

// ParseFilter parses a channel expression.
func ParseFilter(expr string) (*Filter, error) {
	f := &Filter{raw: strings.TrimSpace(expr)}
	if f.raw == "" || f.raw == "*" {
		f.raw = "*"
		return f, nil
	}

	for _, term := range strings.Split(f.raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" || term == "*" {
			continue
		}
		key, vals, ok := strings.Cut(term, ":")
		if !ok {
			key, vals = "type", term
		}
		values := lo.Compact(lo.Map(strings.Split(vals, "|"), func(v string, _ int) string {
			return strings.TrimSpace(v)
		}))
		if len(values) == 0 {
			return nil, errors.Wrapf(ErrInvalidFilter, "empty value in %q", term)
		}

		switch strings.TrimSpace(key) {
		case "type":
			for _, v := range values {
				t, ok := model.ParseEventType(v)
				if !ok {
					return nil, errors.Wrapf(ErrInvalidFilter, "unknown event type %q", v)
				}
				f.types = addTo(f.types, t)
			}
		case "agent":
			f.agents = addAll(f.agents, values)
		case "profile":
			f.profiles = addAll(f.profiles, values)
		case "subject":
			f.subjects = addAll(f.subjects, values)
		case "protocol":
			for _, v := range values {
				p, ok := model.ParseProtocol(v)
				if !ok {
					return nil, errors.Wrapf(ErrInvalidFilter, "unknown protocol %q", v)
				}
				f.protocols = addTo(f.protocols, string(p))
			}
		case "min_importance":
			if len(values) != 1 {
				return nil, errors.Wrap(ErrInvalidFilter, "min_importance takes one value")
			}
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 || n > 10 {
				return nil, errors.Wrapf(ErrInvalidFilter, "min_importance %q", values[0])
			}
			f.minImportance = max(f.minImportance, n)
		default:
			return nil, errors.Wrapf(ErrInvalidFilter, "unknown key %q", key)
		}
	}
	return f, nil
}

func addTo[K comparable](m map[K]bool, k K) map[K]bool {
	if m == nil {
		m = make(map[K]bool)
	}
	m[k] = true
	return m
}

func addAll(m map[string]bool, vals []string) map[string]bool {
	for _, v := range vals {
		m = addTo(m, v)
	}
	return m
}

// Match reports whether ev passes the filter.
func (f *Filter) Match(ev model.Event) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.agents != nil && !f.agents[ev.SourceAgent] {
		return false
	}
	if f.profiles != nil && !f.profiles[ev.Profile] {
		return false
	}
	if f.subjects != nil && !f.subjects[ev.SubjectID] {
		return false
	}
	if f.protocols != nil && !f.protocols[string(ev.SourceProtocol)] {
		return false
	}
	return ev.Importance >= f.minImportance
}

// MatchesAll reports whether the filter is the wildcard.
func (f *Filter) MatchesAll() bool {
	return f.types == nil && f.agents == nil && f.profiles == nil &&
		f.subjects == nil && f.protocols == nil && f.minImportance == 0
}

// String returns the expression as given.
func (f *Filter) String() string { return f.raw }

// Types returns the accepted event types in declaration order, or nil for any.
func (f *Filter) Types() []model.EventType {
	if f.types == nil {
		return nil
	}
	out := lo.Keys(f.types)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
