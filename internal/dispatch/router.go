// Package dispatch maps inbound application messages to handlers registered
// under a (namespace, action) pair.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/wspush/wspush/internal/wsconn"
)

var (
	// ErrInvalidRoute reports a malformed namespace or action, or a nil handler.
	ErrInvalidRoute = errors.New("invalid handler route")
	// ErrDuplicateRoute reports a second registration for the same route.
	ErrDuplicateRoute = errors.New("handler already registered")
)

// HandlerFunc handles one message. A non-nil result is sent back to the
// client under the same controller and action.
type HandlerFunc func(c *wsconn.Connection, payload json.RawMessage) (any, error)

// Router implements wsconn.Application.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

var _ wsconn.Application = (*Router)(nil)

// NewRouter returns an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Handle registers h. The namespace is a controller name, optionally prefixed
// by a plugin as "Plugin.Controller".
func (r *Router) Handle(namespace, action string, h HandlerFunc) error {
	if err := validate(namespace, action); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s/%s", ErrInvalidRoute, namespace, action)
	}
	k := key(namespace, action)
	if _, ok := r.handlers[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateRoute, namespace, action)
	}
	r.handlers[k] = h
	return nil
}

// Lookup returns the handler for a route.
func (r *Router) Lookup(namespace, action string) (HandlerFunc, bool) {
	h, ok := r.handlers[key(namespace, action)]
	return h, ok
}

// Routes returns the registered routes as "namespace/action", sorted.
func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OnConnect logs the new connection.
func (r *Router) OnConnect(c *wsconn.Connection) {
	c.Logger().Debug("connected")
}

// OnIdentified logs the accepted identity.
func (r *Router) OnIdentified(c *wsconn.Connection) {
	c.Logger().Debug("identity accepted")
}

// OnDisconnect logs the departure.
func (r *Router) OnDisconnect(c *wsconn.Connection) {
	c.Logger().Debug("disconnected")
}

// OnMessage runs the handler registered for the message. Unknown routes and
// handler errors are logged and leave the connection open.
func (r *Router) OnMessage(c *wsconn.Connection, msg wsconn.Message) {
	ns := msg.Namespace()
	h, ok := r.Lookup(ns, msg.Action)
	if !ok {
		c.Logger().Warn("no handler", "namespace", ns, "action", msg.Action)
		return
	}
	result, err := h(c, msg.Payload)
	if err != nil {
		c.Logger().Error("handler failed", "namespace", ns, "action", msg.Action, "error", err)
		return
	}
	if result == nil {
		return
	}
	if err := c.SendPayload(msg.Controller, msg.Action, result); err != nil {
		c.Logger().Info("reply not sent", "error", err)
	}
}

func key(namespace, action string) string {
	return namespace + "/" + action
}

func validate(namespace, action string) error {
	if action == "" || strings.HasPrefix(action, "_") || strings.ContainsAny(action, `/\.`) {
		return fmt.Errorf("%w: action %q", ErrInvalidRoute, action)
	}
	parts := strings.Split(namespace, ".")
	if len(parts) > 2 {
		return fmt.Errorf("%w: namespace %q", ErrInvalidRoute, namespace)
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("%w: namespace %q", ErrInvalidRoute, namespace)
		}
	}
	return nil
}
