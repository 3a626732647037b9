package sign

import (
	"errors"
	"testing"

	"github.com/zehzinho/SimpleRep-sub000/types"
)

func TestSignAndVerify(t *testing.T) {
	priv, pub := GenKeys()
	msg := []byte("decision for instance 5")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(pub, msg, sig); err != nil {
		t.Fatal(err)
	}
	if err := Verify(pub, []byte("decision for instance 6"), sig); err == nil {
		t.Fatal("tampered data must not verify")
	}
}

func TestKeyEncoding(t *testing.T) {
	priv, pub := GenKeys()
	privBytes, err := EncodePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	priv2, err := DecodePrivateKey(privBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !PublicKeyOf(priv2).Equal(pub) {
		t.Fatal("decoded private key derives another public key")
	}
	pubBytes, err := EncodePublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	pub2, err := DecodePublicKey(pubBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !pub2.Equal(pub) {
		t.Fatal("public key round trip mismatch")
	}
}

func TestKeyRing(t *testing.T) {
	p := types.NewProcessID("127.0.0.1:8000")
	priv, pub := GenKeys()
	pubBytes, _ := EncodePublicKey(pub)
	ring := NewKeyRing()
	sig, _ := Sign(priv, []byte("x"))
	if err := ring.Verify(p, []byte("x"), sig); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
	if err := ring.Add(p, pubBytes); err != nil {
		t.Fatal(err)
	}
	if !ring.Known(p) {
		t.Fatal("key not registered")
	}
	if err := ring.Verify(p, []byte("x"), sig); err != nil {
		t.Fatal(err)
	}
	ring.Remove(p)
	if ring.Known(p) {
		t.Fatal("key not removed")
	}
}
