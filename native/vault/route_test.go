package vault

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testAddr(b byte) common.Address {
	var addr common.Address
	for i := range addr {
		addr[i] = b
	}
	return addr
}

func TestRouteEncodeDecodeMultiHop(t *testing.T) {
	route := MustRoute([]common.Address{testAddr(1), testAddr(2), testAddr(3), testAddr(4)}, []uint32{500, 3000, 10000})
	raw := route.Encode()
	if len(raw) != 20+3*23 {
		t.Fatalf("unexpected packed length %d", len(raw))
	}
	if !bytes.Equal(raw[20:23], []byte{0x00, 0x01, 0xf4}) {
		t.Fatalf("fee not big-endian 3 bytes: %x", raw[20:23])
	}
	decoded, err := DecodeRoute(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(route) {
		t.Fatalf("round trip mismatch: %s vs %s", decoded, route)
	}
	if decoded.Input != testAddr(1) || decoded.Output() != testAddr(4) {
		t.Fatalf("unexpected endpoints %s %s", decoded.Input.Hex(), decoded.Output().Hex())
	}
	if decoded.Hops() != 3 || len(decoded.Tokens()) != 4 {
		t.Fatalf("unexpected shape: %d hops", decoded.Hops())
	}
}

func TestDecodeRouteRejectsMalformed(t *testing.T) {
	valid := MustRoute([]common.Address{testAddr(1), testAddr(2)}, []uint32{3000}).Encode()
	cases := map[string][]byte{
		"empty":          nil,
		"address only":   valid[:20],
		"truncated leg":  valid[:len(valid)-1],
		"dangling bytes": append(append([]byte{}, valid...), 0x01),
		"zero fee":       packHop(testAddr(1), 0, testAddr(2)),
		"self hop":       packHop(testAddr(1), 3000, testAddr(1)),
	}
	for name, raw := range cases {
		if _, err := DecodeRoute(raw); !errors.Is(err, ErrMalformedRoute) {
			t.Fatalf("%s: expected ErrMalformedRoute, got %v", name, err)
		}
	}
}

func TestNewRouteShapeChecks(t *testing.T) {
	if _, err := NewRoute([]common.Address{testAddr(1)}, nil); !errors.Is(err, ErrMalformedRoute) {
		t.Fatalf("expected single-token route to fail, got %v", err)
	}
	if _, err := NewRoute([]common.Address{testAddr(1), testAddr(2)}, []uint32{3000, 500}); !errors.Is(err, ErrMalformedRoute) {
		t.Fatalf("expected fee count mismatch to fail, got %v", err)
	}
	if _, err := NewRoute([]common.Address{testAddr(1), testAddr(2)}, []uint32{maxFeeTier}); !errors.Is(err, ErrMalformedRoute) {
		t.Fatalf("expected oversized fee to fail, got %v", err)
	}
}

func TestRouteCloneIsIndependent(t *testing.T) {
	route := MustRoute([]common.Address{testAddr(1), testAddr(2)}, []uint32{3000})
	clone := route.Clone()
	clone.Legs[0].Fee = 500
	if route.Legs[0].Fee != 3000 {
		t.Fatalf("clone aliased legs")
	}
}

// packHop packs a single hop without validation.
func packHop(in common.Address, fee uint32, out common.Address) []byte {
	raw := append([]byte{}, in.Bytes()...)
	raw = append(raw, byte(fee>>16), byte(fee>>8), byte(fee))
	return append(raw, out.Bytes()...)
}
