package chat

import "fmt"

// ChatContext carries the server into handlers.
type ChatContext struct {
	S *Server
}

type Handler interface {
	Type() FrameType
	Handle(ctx *ChatContext, f *Frame, c *Client) error
}

// Dispatcher maps the closed frame enum to handlers. Registering two
// handlers for one type is a wiring bug, caught at startup.
type Dispatcher struct {
	handlers map[FrameType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]Handler)}
}

func (d *Dispatcher) Register(h Handler) error {
	if _, dup := d.handlers[h.Type()]; dup {
		return fmt.Errorf("duplicate handler for %s", h.Type())
	}
	d.handlers[h.Type()] = h
	return nil
}

func (d *Dispatcher) Dispatch(ctx *ChatContext, f *Frame, c *Client) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return fmt.Errorf("no handler for type=%s", f.Type)
	}
	return h.Handle(ctx, f, c)
}

func (d *Dispatcher) Has(t FrameType) bool {
	_, ok := d.handlers[t]
	return ok
}
