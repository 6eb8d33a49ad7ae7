package dirfilter

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Query is a parsed keyword filter. Every included keyword must occur and
// no excluded keyword may occur; matching is a case-insensitive substring
// search.
type Query struct {
	include []string
	exclude []string
}

// ParseQuery splits raw on whitespace. A keyword prefixed with '-' is
// negated; a lone '-' is ignored.
func ParseQuery(raw string) Query {
	var q Query

	for _, f := range strings.Fields(raw) {
		f = strings.ToLower(f)

		if neg, ok := strings.CutPrefix(f, "-"); ok {
			if neg != "" {
				q.exclude = append(q.exclude, neg)
			}

			continue
		}

		q.include = append(q.include, f)
	}

	return q
}

// Empty reports whether the query accepts everything.
func (q Query) Empty() bool {
	return len(q.include) == 0 && len(q.exclude) == 0
}

// Matches reports whether text satisfies the query.
func (q Query) Matches(text string) bool {
	if q.Empty() {
		return true
	}

	text = strings.ToLower(text)

	for _, kw := range q.include {
		if !strings.Contains(text, kw) {
			return false
		}
	}

	for _, kw := range q.exclude {
		if strings.Contains(text, kw) {
			return false
		}
	}

	return true
}

// queryCache memoizes parsed queries by their raw text; interactive typing
// re-submits the same prefixes repeatedly.
type queryCache struct {
	cache *lru.Cache[string, Query]
}

func newQueryCache(size int) (*queryCache, error) {
	c, err := lru.New[string, Query](size)
	if err != nil {
		return nil, err
	}

	return &queryCache{cache: c}, nil
}

func (c *queryCache) parse(raw string) Query {
	if q, ok := c.cache.Get(raw); ok {
		return q
	}

	q := ParseQuery(raw)
	c.cache.Add(raw, q)

	return q
}
