package keyresolver

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/fluxgate/fluxgate/model"
)

// AttrMatcher builds "custom" resolvers that read a named attribute
// off the request context and optionally require it to match a
// wildcard or regex pattern before contributing a scope value,
// rejecting patterns long enough to be a ReDoS concern. The matcher
// caches compiled regexes the same way a registry of named matchers
// would, since the set of distinct patterns in a rule corpus is small
// and stable between reloads.
type AttrMatcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// NewAttrMatcher builds an empty AttrMatcher.
func NewAttrMatcher() *AttrMatcher {
	return &AttrMatcher{}
}

// Resolver returns a Func that reads attr from the request context's
// Attrs map and returns it as the scope only if it matches pattern
// (an empty pattern matches anything). A missing attribute or a
// non-matching value resolves to "", meaning "skip this rule".
func (m *AttrMatcher) Resolver(attr, pattern string) (Func, error) {
	if err := m.validate(pattern); err != nil {
		return nil, err
	}
	return func(rc model.RequestContext) string {
		val, ok := rc.Attrs[attr]
		if !ok || val == "" {
			return ""
		}
		if pattern == "" || m.match(pattern, val) {
			return val
		}
		return ""
	}, nil
}

func (m *AttrMatcher) match(pattern, value string) bool {
	if !isWildcard(pattern) && !isRegexLike(pattern) {
		return pattern == value
	}
	if isWildcard(pattern) && !isRegexLike(strings.Trim(pattern, "*")) {
		return matchWildcard(pattern, value)
	}
	re, err := m.compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func (m *AttrMatcher) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := m.regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.regexCache.Store(pattern, re)
	return re, nil
}

func (m *AttrMatcher) validate(pattern string) error {
	if len(pattern) > 1000 {
		return errors.New("keyresolver: pattern too long")
	}
	if isRegexLike(pattern) {
		if _, err := regexp.Compile(pattern); err != nil {
			return err
		}
	}
	return nil
}

func isWildcard(pattern string) bool { return strings.Contains(pattern, "*") }

func isRegexLike(pattern string) bool {
	for _, c := range []string{"[", "]", "(", ")", "^", "$", "+", "?", "{", "}", "|"} {
		if strings.Contains(pattern, c) {
			return true
		}
	}
	return false
}

func matchWildcard(pattern, value string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(value, strings.Trim(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == value
	}
}
