package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keeper.keystore")

	created, fresh, err := LoadOrCreateKeystore(path, "pw", LightScrypt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !fresh {
		t.Fatalf("expected a new key on first call")
	}
	loaded, fresh, err := LoadOrCreateKeystore(path, "pw", LightScrypt)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fresh {
		t.Fatalf("expected the existing key on second call")
	}
	if loaded.Address() != created.Address() {
		t.Fatalf("address mismatch: %s vs %s", loaded.Address().Hex(), created.Address().Hex())
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestPrivateKeyHexRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parsed, err := PrivateKeyFromHex("0x" + hex.EncodeToString(key.Bytes()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Address() != key.Address() {
		t.Fatalf("address mismatch")
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := ParseAddress("0x0000000000000000000000000000000000000000"); err == nil {
		t.Fatalf("expected zero address rejection")
	}
	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Fatalf("expected malformed address rejection")
	}
	addr, err := ParseAddress(" 0x00000000000000000000000000000000000000aa ")
	if err != nil || addr[19] != 0xaa {
		t.Fatalf("unexpected parse result %s %v", addr.Hex(), err)
	}
}
