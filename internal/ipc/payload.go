// Package ipc carries push requests from other local processes to the server
// over a unix datagram socket, one JSON encoded Payload per datagram.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/wspush/wspush/internal/identity"
	"github.com/wspush/wspush/internal/route"
)

// ErrInvalidPayload is returned for datagrams that are not a valid Payload.
var ErrInvalidPayload = errors.New("invalid ipc payload")

// Filters select the connections a push is delivered to. Every non-empty
// list must match; an empty list places no constraint on its dimension.
type Filters struct {
	SessionIDs []string `json:"sessionIds,omitempty"`
	UserIDs    []int64  `json:"userIds,omitempty"`
	RoutesMd5  []string `json:"routesMd5,omitempty"`
}

// AddSession restricts delivery to the given session ids.
func (f *Filters) AddSession(ids ...string) {
	f.SessionIDs = append(f.SessionIDs, ids...)
}

// AddUser restricts delivery to the given user ids.
func (f *Filters) AddUser(ids ...int64) {
	f.UserIDs = append(f.UserIDs, ids...)
}

// AddRoute restricts delivery to connections opened on r. Ignored dimensions
// match any value on the connection side.
func (f *Filters) AddRoute(r route.Route, ignorePass, ignoreQuery bool) {
	f.RoutesMd5 = append(f.RoutesMd5, route.Fingerprint(r, ignorePass, ignoreQuery))
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return len(f.SessionIDs) == 0 && len(f.UserIDs) == 0 && len(f.RoutesMd5) == 0
}

// Payload is one push request.
type Payload struct {
	Controller string          `json:"controller"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Filters    Filters         `json:"filters"`
}

// Matches reports whether a connection with the given identity receives p.
// Connections that never identified receive nothing.
func (p Payload) Matches(c identity.Claims, identified bool) bool {
	if !identified {
		return false
	}
	f := p.Filters
	if len(f.SessionIDs) > 0 && !slices.Contains(f.SessionIDs, c.SessionID) {
		return false
	}
	if len(f.UserIDs) > 0 && (c.UserID == nil || !slices.Contains(f.UserIDs, *c.UserID)) {
		return false
	}
	if len(f.RoutesMd5) > 0 && !route.MatchAny(c.RouteMd5, f.RoutesMd5) {
		return false
	}
	return true
}

// Encode serializes p as one datagram.
func Encode(p Payload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// Decode parses one datagram.
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) validate() error {
	if p.Controller == "" || p.Action == "" {
		return fmt.Errorf("%w: controller and action are required", ErrInvalidPayload)
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidPayload)
	}
	return nil
}
