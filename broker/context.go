package broker

import (
	"context"
	"encoding/json"
)

// Context carries one task into its handler.
type Context struct {
	ctx           context.Context
	kind          TaskKind
	params        json.RawMessage
	correlationID string
}

// Bind decodes the task parameters into v.
func (c *Context) Bind(v any) error {
	return json.Unmarshal(c.params, v)
}

// Ctx returns the worker context. It is cancelled on shutdown.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

func (c *Context) Kind() TaskKind          { return c.kind }
func (c *Context) CorrelationID() string   { return c.correlationID }
func (c *Context) Params() json.RawMessage { return c.params }
