package vault

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Roles holds the two-tier permission state: a single owner and a set of
// independently revocable operators. The owner passes every operator check.
type Roles struct {
	Owner      common.Address
	Authorized map[common.Address]struct{}
}

// NewRoles seeds the role set with an owner and optional operators.
func NewRoles(owner common.Address, operators ...common.Address) Roles {
	roles := Roles{Owner: owner, Authorized: make(map[common.Address]struct{}, len(operators))}
	for _, op := range operators {
		if op == (common.Address{}) {
			continue
		}
		roles.Authorized[op] = struct{}{}
	}
	return roles
}

// IsOwner reports whether caller holds the owner role.
func (r Roles) IsOwner(caller common.Address) bool {
	return caller != (common.Address{}) && caller == r.Owner
}

// IsAuthorized reports whether caller may perform operational actions.
func (r Roles) IsAuthorized(caller common.Address) bool {
	if r.IsOwner(caller) {
		return true
	}
	if caller == (common.Address{}) {
		return false
	}
	_, ok := r.Authorized[caller]
	return ok
}

// RequireOwner returns ErrNotOwner unless caller is the owner.
func (r Roles) RequireOwner(caller common.Address) error {
	if !r.IsOwner(caller) {
		return ErrNotOwner
	}
	return nil
}

// RequireAuthorized returns ErrUnauthorized unless caller is an operator or
// the owner.
func (r Roles) RequireAuthorized(caller common.Address) error {
	if !r.IsAuthorized(caller) {
		return ErrUnauthorized
	}
	return nil
}

// Operators returns the explicitly authorized addresses in byte order.
func (r Roles) Operators() []common.Address {
	out := make([]common.Address, 0, len(r.Authorized))
	for addr := range r.Authorized {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Clone returns a deep copy of the role set.
func (r Roles) Clone() Roles {
	clone := Roles{Owner: r.Owner, Authorized: make(map[common.Address]struct{}, len(r.Authorized))}
	for addr := range r.Authorized {
		clone.Authorized[addr] = struct{}{}
	}
	return clone
}

func (r *Roles) setAuthorized(op common.Address, enabled bool) {
	if r.Authorized == nil {
		r.Authorized = make(map[common.Address]struct{})
	}
	if enabled {
		r.Authorized[op] = struct{}{}
		return
	}
	delete(r.Authorized, op)
}
