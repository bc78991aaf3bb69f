package virtual

import (
	"regexp"
	"strings"
	"sync"
)

// router implements lookup for one ExchangeKind. The binding table passed
// to lookup is the BrokerState's full binding list; lookup itself skips
// bindings of other exchanges.
type router interface {
	lookup(bindings []Binding, exchangeName, routingKey string) []string
}

func routerFor(kind ExchangeKind) router {
	switch kind {
	case ExchangeTopic:
		return topicRouter{}
	case ExchangeFanout:
		return fanoutRouter{}
	default:
		return directRouter{}
	}
}

// directRouter matches bindings whose routing key equals the published
// routing key exactly. Direct bindings carry the key in RoutingKey; Pattern
// is not consulted, so lookup compares against RoutingKey. When no binding
// matches and the exchange
// name is empty (the default exchange), the routing key is treated as a
// queue name directly.
type directRouter struct{}

func (directRouter) lookup(bindings []Binding, exchangeName, routingKey string) []string {
	seen := make(map[string]bool)
	var queues []string
	for _, b := range bindings {
		if b.Exchange != exchangeName {
			continue
		}
		if b.RoutingKey == routingKey && !seen[b.Queue] {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}
	if len(queues) == 0 && exchangeName == "" {
		return []string{routingKey}
	}
	return queues
}

// fanoutRouter returns every queue bound to the exchange, regardless of
// routing key.
type fanoutRouter struct{}

func (fanoutRouter) lookup(bindings []Binding, exchangeName, _ string) []string {
	seen := make(map[string]bool)
	var queues []string
	for _, b := range bindings {
		if b.Exchange != exchangeName {
			continue
		}
		if !seen[b.Queue] {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// topicRouter matches dot-separated patterns where "*" matches exactly one
// word and "#" matches zero or more words. Each pattern is compiled once
// into an anchored regular expression and cached.
type topicRouter struct{}

var topicPatternCache = newPatternCache()

func (topicRouter) lookup(bindings []Binding, exchangeName, routingKey string) []string {
	seen := make(map[string]bool)
	var queues []string
	for _, b := range bindings {
		if b.Exchange != exchangeName {
			continue
		}
		re := topicPatternCache.get(b.Pattern)
		if re.MatchString(routingKey) && !seen[b.Queue] {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// compileTopicPattern turns a dotted glob ("a.*.c", "a.#") into an anchored
// regular expression: "*" becomes exactly-one-word ([^.]+), "#" becomes
// zero-or-more characters (.*), word separators become literal dots. The
// separator next to a "#" is optional, so "a.#" also matches "a".
func compileTopicPattern(pattern string) *regexp.Regexp {
	words := strings.Split(pattern, ".")
	parts := make([]string, 0, len(words))
	for _, w := range words {
		switch w {
		case "*":
			parts = append(parts, `[^.]+`)
		case "#":
			parts = append(parts, `.*`)
		default:
			parts = append(parts, regexp.QuoteMeta(w))
		}
	}
	expr := "^" + strings.Join(parts, `\.`) + "$"
	expr = strings.ReplaceAll(expr, `\..*`, `(?:\..*)?`)
	expr = strings.ReplaceAll(expr, `^.*\.`, `^(?:.*\.)?`)
	return regexp.MustCompile(expr)
}

type patternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{cache: make(map[string]*regexp.Regexp)}
}

func (c *patternCache) get(pattern string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.cache[pattern]; ok {
		return re
	}
	re := compileTopicPattern(pattern)
	c.cache[pattern] = re
	return re
}
