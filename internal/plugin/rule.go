package plugin

import (
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
)

const (
	// DefaultTimeout of a plugin run in seconds
	DefaultTimeout = 60
	// MinimumCacheAge is the floor of a non-zero cache age in seconds
	MinimumCacheAge = 120
	// RestartLead is how long before expiry cached data is refreshed
	RestartLead = 60 * time.Second
)

// ExecType distinguishes ordinary plugins from local checks. The output of
// local checks is line oriented.
type ExecType int

const (
	ExecPlugin ExecType = iota
	ExecLocal
)

func (t ExecType) String() string {
	if t == ExecLocal {
		return "local"
	}
	return "plugin"
}

// Rule maps files matching Pattern to their execution parameters. The
// pattern matches the file name, or the full path when it is absolute.
type Rule struct {
	Pattern          string
	Async            bool
	Run              bool
	Timeout          int // seconds
	CacheAge         int // seconds, 0 is no caching
	Retry            int // 0 is unlimited
	User             string
	Group            string
	RepairInvalidUTF bool
}

// DefaultRule returns a runnable rule with default timeout
func DefaultRule(pattern string) Rule {
	return Rule{
		Pattern: pattern,
		Run:     true,
		Timeout: DefaultTimeout,
	}
}

// RulesFromConfig converts configured rules keeping their order. Unset
// fields take the values of DefaultRule.
func RulesFromConfig(rules []model.ExecutionRule) []Rule {
	ret := make([]Rule, 0, len(rules))
	for _, r := range rules {
		rule := DefaultRule(r.Pattern)
		rule.Async = model.Get(r.Async)
		rule.Run = model.GetOr(r.Run, true)
		rule.Timeout = model.GetOr(r.Timeout, DefaultTimeout)
		rule.CacheAge = model.Get(r.CacheAge)
		rule.Retry = model.Get(r.Retry)
		rule.User = model.Get(r.User)
		rule.Group = model.Get(r.Group)
		rule.RepairInvalidUTF = model.Get(r.RepairInvalidUTF)
		ret = append(ret, rule)
	}
	return ret
}
