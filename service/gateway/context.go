package gateway

import (
	"context"
)

// Caller identifies who sent the unit of work being dispatched.
type Caller struct {
	ConnID     string
	UserID     string
	SessionID  string
	RemoteAddr string
}

// Context is what middleware and handlers receive: the validated payload
// plus caller identity/session, and a small key-value bag for middleware to
// pass data down the chain.
type Context struct {
	Ctx       context.Context
	Route     *RouteDescriptor
	Event     string
	Timestamp int64
	Payload   map[string]any
	Params    map[string]string // HTTP path params, nil for event routes
	Caller    Caller

	values map[string]any
}

func (c *Context) Set(key string, val any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = val
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) GetString(key string) string {
	if v, ok := c.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
