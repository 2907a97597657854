package vault

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	addressLength = common.AddressLength
	feeLength     = 3
	legLength     = feeLength + addressLength
	// minRouteLength covers a single hop: token, fee, token.
	minRouteLength = addressLength + legLength
	// maxFeeTier mirrors the largest fee a concentrated-liquidity pool accepts
	// (hundredths of a bip).
	maxFeeTier = 1_000_000
)

// Leg is one hop of a swap route: the pool fee tier used to reach Token.
type Leg struct {
	Fee   uint32
	Token common.Address
}

// Route is an ordered swap path starting at Input. The packed wire form is
// Input followed by (fee, token) pairs, each fee a 3-byte big-endian integer.
type Route struct {
	Input common.Address
	Legs  []Leg
}

// NewRoute builds a route from alternating tokens and fee tiers. tokens must
// have exactly one more entry than fees.
func NewRoute(tokens []common.Address, fees []uint32) (Route, error) {
	if len(tokens) < 2 || len(tokens) != len(fees)+1 {
		return Route{}, fmt.Errorf("%w: %d tokens for %d fees", ErrMalformedRoute, len(tokens), len(fees))
	}
	route := Route{Input: tokens[0], Legs: make([]Leg, 0, len(fees))}
	for i, fee := range fees {
		route.Legs = append(route.Legs, Leg{Fee: fee, Token: tokens[i+1]})
	}
	if err := route.Validate(); err != nil {
		return Route{}, err
	}
	return route, nil
}

// MustRoute is NewRoute for fixtures; it panics on malformed input.
func MustRoute(tokens []common.Address, fees []uint32) Route {
	route, err := NewRoute(tokens, fees)
	if err != nil {
		panic(err)
	}
	return route
}

// Output returns the final token of the route.
func (r Route) Output() common.Address {
	if len(r.Legs) == 0 {
		return common.Address{}
	}
	return r.Legs[len(r.Legs)-1].Token
}

// Tokens lists every token touched by the route in order.
func (r Route) Tokens() []common.Address {
	tokens := make([]common.Address, 0, len(r.Legs)+1)
	tokens = append(tokens, r.Input)
	for _, leg := range r.Legs {
		tokens = append(tokens, leg.Token)
	}
	return tokens
}

// Hops returns the number of pools the route crosses.
func (r Route) Hops() int { return len(r.Legs) }

// IsZero reports whether the route is unset.
func (r Route) IsZero() bool {
	return r.Input == (common.Address{}) && len(r.Legs) == 0
}

// Validate checks structural well-formedness independent of any whitelist.
func (r Route) Validate() error {
	if len(r.Legs) == 0 {
		return fmt.Errorf("%w: route needs at least one hop", ErrMalformedRoute)
	}
	if r.Input == (common.Address{}) {
		return fmt.Errorf("%w: zero input token", ErrMalformedRoute)
	}
	prev := r.Input
	for i, leg := range r.Legs {
		if leg.Token == (common.Address{}) {
			return fmt.Errorf("%w: zero token at hop %d", ErrMalformedRoute, i)
		}
		if leg.Fee == 0 || leg.Fee >= maxFeeTier {
			return fmt.Errorf("%w: fee tier %d at hop %d", ErrMalformedRoute, leg.Fee, i)
		}
		if leg.Token == prev {
			return fmt.Errorf("%w: hop %d swaps %s into itself", ErrMalformedRoute, i, prev.Hex())
		}
		prev = leg.Token
	}
	return nil
}

// Encode serialises the route into the packed path form consumed by the swap
// venue.
func (r Route) Encode() []byte {
	buf := make([]byte, 0, addressLength+len(r.Legs)*legLength)
	buf = append(buf, r.Input.Bytes()...)
	for _, leg := range r.Legs {
		buf = append(buf, byte(leg.Fee>>16), byte(leg.Fee>>8), byte(leg.Fee))
		buf = append(buf, leg.Token.Bytes()...)
	}
	return buf
}

// Clone returns a deep copy of the route.
func (r Route) Clone() Route {
	clone := Route{Input: r.Input}
	if r.Legs != nil {
		clone.Legs = append([]Leg(nil), r.Legs...)
	}
	return clone
}

// Equal reports whether two routes describe the same path.
func (r Route) Equal(other Route) bool {
	if r.Input != other.Input || len(r.Legs) != len(other.Legs) {
		return false
	}
	for i := range r.Legs {
		if r.Legs[i] != other.Legs[i] {
			return false
		}
	}
	return true
}

func (r Route) String() string {
	var b strings.Builder
	b.WriteString(r.Input.Hex())
	for _, leg := range r.Legs {
		fmt.Fprintf(&b, " -(%d)-> %s", leg.Fee, leg.Token.Hex())
	}
	return b.String()
}

// DecodeRoute parses a packed path. The endpoints are read from the head and
// tail of the byte sequence regardless of the number of intermediate hops.
func DecodeRoute(raw []byte) (Route, error) {
	if len(raw) < minRouteLength || (len(raw)-addressLength)%legLength != 0 {
		return Route{}, fmt.Errorf("%w: invalid packed length %d", ErrMalformedRoute, len(raw))
	}
	route := Route{Input: common.BytesToAddress(raw[:addressLength])}
	hops := (len(raw) - addressLength) / legLength
	route.Legs = make([]Leg, 0, hops)
	for offset := addressLength; offset < len(raw); offset += legLength {
		fee := uint32(raw[offset])<<16 | uint32(raw[offset+1])<<8 | uint32(raw[offset+2])
		token := common.BytesToAddress(raw[offset+feeLength : offset+legLength])
		route.Legs = append(route.Legs, Leg{Fee: fee, Token: token})
	}
	if err := route.Validate(); err != nil {
		return Route{}, err
	}
	return route, nil
}
