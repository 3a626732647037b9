/*
Package sign implements the Schnorr signatures used to authenticate the
envelopes exchanged between processes, and the key ring that maps a process
to its public key.
*/
package sign

import (
	"errors"
	"sync"

	"github.com/zehzinho/SimpleRep-sub000/types"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// ErrUnknownKey is returned when no public key is registered for a process.
var ErrUnknownKey = errors.New("unknown public key")

// GenKeys creates a fresh key pair.
func GenKeys() (kyber.Scalar, kyber.Point) {
	pair := key.NewKeyPair(suite)
	return pair.Private, pair.Public
}

func EncodePrivateKey(priv kyber.Scalar) ([]byte, error) {
	return priv.MarshalBinary()
}

func DecodePrivateKey(data []byte) (kyber.Scalar, error) {
	priv := suite.Scalar()
	if err := priv.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return priv, nil
}

func EncodePublicKey(pub kyber.Point) ([]byte, error) {
	return pub.MarshalBinary()
}

func DecodePublicKey(data []byte) (kyber.Point, error) {
	pub := suite.Point()
	if err := pub.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return pub, nil
}

// PublicKeyOf derives the public key of priv.
func PublicKeyOf(priv kyber.Scalar) kyber.Point {
	return suite.Point().Mul(priv, nil)
}

// Sign signs data with priv.
func Sign(priv kyber.Scalar, data []byte) ([]byte, error) {
	return schnorr.Sign(suite, priv, data)
}

// Verify checks sig over data against pub.
func Verify(pub kyber.Point, data, sig []byte) error {
	return schnorr.Verify(suite, pub, data, sig)
}

// KeyRing holds the public keys of known processes. It is safe for
// concurrent use.
type KeyRing struct {
	lock sync.RWMutex
	keys map[types.ProcessID]kyber.Point
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[types.ProcessID]kyber.Point)}
}

// Add registers the encoded public key of p.
func (k *KeyRing) Add(p types.ProcessID, encoded []byte) error {
	pub, err := DecodePublicKey(encoded)
	if err != nil {
		return err
	}
	k.lock.Lock()
	k.keys[p] = pub
	k.lock.Unlock()
	return nil
}

func (k *KeyRing) Remove(p types.ProcessID) {
	k.lock.Lock()
	delete(k.keys, p)
	k.lock.Unlock()
}

func (k *KeyRing) Known(p types.ProcessID) bool {
	k.lock.RLock()
	defer k.lock.RUnlock()
	_, ok := k.keys[p]
	return ok
}

// Verify checks a signature made by p.
func (k *KeyRing) Verify(p types.ProcessID, data, sig []byte) error {
	k.lock.RLock()
	pub, ok := k.keys[p]
	k.lock.RUnlock()
	if !ok {
		return ErrUnknownKey
	}
	return Verify(pub, data, sig)
}
