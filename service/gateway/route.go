package gateway

import (
	"fmt"
	"strings"
	"time"
)

// RateLimit is a fixed-window budget: Max requests per Window.
type RateLimit struct {
	Window time.Duration
	Max    int64
}

// HandlerFunc is an application handler: validated payload plus caller
// context in, plain result object out.
type HandlerFunc func(c *Context) (any, error)

// Middleware runs before the handler in declared order. Returning an error
// short-circuits the chain; the error is mapped through the usual taxonomy.
type Middleware func(c *Context) error

// Validator checks a raw payload and returns human-readable failure
// messages; empty means valid.
type Validator interface {
	Validate(payload map[string]any) []string
}

// Route is a leaf node. Method is an HTTP verb for request/response routes
// and empty for persistent-connection (event) routes.
type Route struct {
	Method      string
	URL         string
	Handler     HandlerFunc
	Middlewares []Middleware
	Validator   Validator
	RateLimit   *RateLimit
}

// Group contributes a path prefix, middleware, and an inheritable rate
// limit to everything beneath it.
type Group struct {
	Prefix      string
	Middlewares []Middleware
	RateLimit   *RateLimit
	Routes      []*Route
	Groups      []*Group
}

// RouteDescriptor is one flattened row, immutable after BuildTable.
type RouteDescriptor struct {
	Method         string
	URL            string // normalized, no leading/trailing separators
	Handler        HandlerFunc
	Middlewares    []Middleware // enclosing groups outer-to-inner, then own
	Validator      Validator
	RateLimit      *RateLimit // declared directly on the route
	GroupRateLimit *RateLimit // nearest enclosing group's, fallback only
	ParamNames     []string   // ordered :param segments
}

// EffectiveRateLimit: the route's own limit always wins over the inherited
// group limit; nil means admission is unconditional.
func (rd *RouteDescriptor) EffectiveRateLimit() *RateLimit {
	if rd.RateLimit != nil {
		return rd.RateLimit
	}
	return rd.GroupRateLimit
}

// Key identifies the row in the flat table.
func (rd *RouteDescriptor) Key() string {
	if rd.Method == "" {
		return rd.URL
	}
	return rd.Method + " " + rd.URL
}

// Table is the startup-built dispatch table: HTTP rows keyed
// "METHOD path", event rows keyed by bare event name.
type Table struct {
	HTTP map[string]*RouteDescriptor
	WS   map[string]*RouteDescriptor
}

// BuildTable flattens the route tree depth-first. Duplicate keys are a
// configuration error and fail startup.
func BuildTable(root *Group) (*Table, error) {
	t := &Table{
		HTTP: make(map[string]*RouteDescriptor),
		WS:   make(map[string]*RouteDescriptor),
	}
	if err := t.walk(root, "", nil, nil); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) walk(g *Group, prefix string, mws []Middleware, inherited *RateLimit) error {
	prefix = joinPath(prefix, g.Prefix)

	// Copy-on-append: sibling groups must not see each other's middleware.
	acc := make([]Middleware, 0, len(mws)+len(g.Middlewares))
	acc = append(acc, mws...)
	acc = append(acc, g.Middlewares...)

	limit := inherited
	if g.RateLimit != nil {
		limit = g.RateLimit
	}

	for _, r := range g.Routes {
		rd := &RouteDescriptor{
			Method:         strings.ToUpper(r.Method),
			URL:            joinPath(prefix, r.URL),
			Handler:        r.Handler,
			Validator:      r.Validator,
			RateLimit:      r.RateLimit,
			GroupRateLimit: limit,
		}
		rd.Middlewares = make([]Middleware, 0, len(acc)+len(r.Middlewares))
		rd.Middlewares = append(rd.Middlewares, acc...)
		rd.Middlewares = append(rd.Middlewares, r.Middlewares...)
		rd.ParamNames = extractParamNames(rd.URL)

		dst := t.WS
		if rd.Method != "" {
			dst = t.HTTP
		}
		key := rd.Key()
		if _, dup := dst[key]; dup {
			return fmt.Errorf("duplicate route %q", key)
		}
		dst[key] = rd
	}

	for _, child := range g.Groups {
		if err := t.walk(child, prefix, acc, limit); err != nil {
			return err
		}
	}
	return nil
}

// joinPath strips leading/trailing separators before joining, so
// ("a", "/b/") joins to "a/b".
func joinPath(a, b string) string {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "/" + b
	}
}

func extractParamNames(url string) []string {
	var names []string
	for _, seg := range strings.Split(url, "/") {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			names = append(names, seg[1:])
		}
	}
	return names
}
