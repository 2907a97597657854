package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Authorizer gates registry writes.
type Authorizer interface {
	RequireAuthorized(caller common.Address) error
}

// PathRegistry owns the ordered swap routes used during harvest. Slot i is
// paired with the i-th harvest parameter, and callers are responsible for
// keeping slot order aligned with the venue's reward-token order; the
// registry cannot observe that ordering.
type PathRegistry struct {
	params Params
	routes []Route
}

// NewPathRegistry builds a registry enforcing the whitelist in params.
func NewPathRegistry(params Params, routes []Route) (*PathRegistry, error) {
	reg := &PathRegistry{params: params.clone()}
	for i, route := range routes {
		if err := reg.validate(i, route); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		reg.routes = append(reg.routes, route.Clone())
	}
	return reg, nil
}

// Len returns the number of configured slots.
func (r *PathRegistry) Len() int { return len(r.routes) }

// Route returns a copy of the route at index.
func (r *PathRegistry) Route(index int) (Route, error) {
	if index < 0 || index >= len(r.routes) {
		return Route{}, ErrRouteIndexOutOfRange
	}
	return r.routes[index].Clone(), nil
}

// Routes returns copies of every configured route in slot order.
func (r *PathRegistry) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route.Clone())
	}
	return out
}

// SetRoute replaces the route at an existing slot. On rejection the prior
// route is left untouched.
func (r *PathRegistry) SetRoute(auth Authorizer, caller common.Address, index int, route Route) error {
	if err := auth.RequireAuthorized(caller); err != nil {
		return err
	}
	if index < 0 || index >= len(r.routes) {
		return ErrRouteIndexOutOfRange
	}
	if err := r.validate(index, route); err != nil {
		return err
	}
	r.routes[index] = route.Clone()
	return nil
}

// SetRouteBytes decodes a packed path and stores it at index.
func (r *PathRegistry) SetRouteBytes(auth Authorizer, caller common.Address, index int, raw []byte) error {
	if err := auth.RequireAuthorized(caller); err != nil {
		return err
	}
	route, err := DecodeRoute(raw)
	if err != nil {
		return err
	}
	return r.SetRoute(auth, caller, index, route)
}

// AddRoute appends a new slot, applying the same validation as SetRoute for
// the new index. It returns the index of the new slot.
func (r *PathRegistry) AddRoute(auth Authorizer, caller common.Address, route Route) (int, error) {
	if err := auth.RequireAuthorized(caller); err != nil {
		return 0, err
	}
	index := len(r.routes)
	if err := r.validate(index, route); err != nil {
		return 0, err
	}
	r.routes = append(r.routes, route.Clone())
	return index, nil
}

// RemoveLastRoute clears the final slot only, so no gaps appear in the slot
// ordering.
func (r *PathRegistry) RemoveLastRoute(auth Authorizer, caller common.Address) (Route, error) {
	if err := auth.RequireAuthorized(caller); err != nil {
		return Route{}, err
	}
	if len(r.routes) == 0 {
		return Route{}, ErrNoRoutes
	}
	last := r.routes[len(r.routes)-1]
	r.routes = r.routes[:len(r.routes)-1]
	return last, nil
}

func (r *PathRegistry) validate(index int, route Route) error {
	if err := route.Validate(); err != nil {
		return err
	}
	in, out := route.Input, route.Output()
	if r.params.privileged(index) {
		if !r.params.isRewardToken(in) {
			return fmt.Errorf("%w: slot %d input %s", ErrRouteInputNotReward, index, in.Hex())
		}
	} else if r.params.isPrincipal(in) {
		return fmt.Errorf("%w: slot %d input %s", ErrProtectedToken, index, in.Hex())
	}
	if !r.params.isSettlementAsset(out) {
		return fmt.Errorf("%w: slot %d output %s", ErrRouteOutputNotWhitelisted, index, out.Hex())
	}
	return nil
}
