package mls

import (
	"bytes"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

type PSKType uint8

const (
	PSKTypeExternal   PSKType = 0x01
	PSKTypeResumption PSKType = 0x02
)

func (t PSKType) ValidForTLS() error {
	return validateEnum(t, PSKTypeExternal, PSKTypeResumption)
}

type ResumptionPSKUsage uint8

const (
	ResumptionPSKUsageApplication ResumptionPSKUsage = 0x01
	ResumptionPSKUsageReInit      ResumptionPSKUsage = 0x02
	ResumptionPSKUsageBranch      ResumptionPSKUsage = 0x03
)

func (u ResumptionPSKUsage) ValidForTLS() error {
	return validateEnum(u, ResumptionPSKUsageApplication, ResumptionPSKUsageReInit, ResumptionPSKUsageBranch)
}

type ExternalPSK struct {
	PSKID []byte `tls:"head=2"`
}

type ResumptionPSK struct {
	Usage      ResumptionPSKUsage
	PSKGroupID []byte `tls:"head=1"`
	PSKEpoch   uint64
}

// struct {
//     PSKType psktype;
//     select (PreSharedKeyID.psktype) {
//         case external:   opaque psk_id<V>;
//         case resumption: ResumptionPSKUsage usage;
//                          opaque psk_group_id<V>;
//                          uint64 psk_epoch;
//     };
//     opaque psk_nonce<V>;
// } PreSharedKeyID;
type PreSharedKeyID struct {
	External   *ExternalPSK
	Resumption *ResumptionPSK
	Nonce      []byte
}

func (id PreSharedKeyID) Type() PSKType {
	if id.Resumption != nil {
		return PSKTypeResumption
	}
	return PSKTypeExternal
}

func (id PreSharedKeyID) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(id.Type()); err != nil {
		return nil, err
	}

	var err error
	switch id.Type() {
	case PSKTypeExternal:
		if id.External == nil {
			return nil, codecError("psk", fmt.Errorf("empty psk id"))
		}
		err = s.Write(id.External)
	case PSKTypeResumption:
		err = s.Write(id.Resumption)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Write(opaque1{id.Nonce}); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (id *PreSharedKeyID) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var t PSKType
	if _, err := s.Read(&t); err != nil {
		return 0, err
	}

	var err error
	switch t {
	case PSKTypeExternal:
		id.External = new(ExternalPSK)
		_, err = s.Read(id.External)
	case PSKTypeResumption:
		id.Resumption = new(ResumptionPSK)
		_, err = s.Read(id.Resumption)
	}
	if err != nil {
		return 0, err
	}

	var nonce opaque1
	if _, err := s.Read(&nonce); err != nil {
		return 0, err
	}
	id.Nonce = nonce.Data

	return s.Position(), nil
}

// sameKey compares the key identity, ignoring the nonce.
func (id PreSharedKeyID) sameKey(o PreSharedKeyID) bool {
	switch {
	case id.Type() != o.Type():
		return false
	case id.Type() == PSKTypeExternal:
		return bytes.Equal(id.External.PSKID, o.External.PSKID)
	default:
		return bytes.Equal(id.Resumption.PSKGroupID, o.Resumption.PSKGroupID) &&
			id.Resumption.PSKEpoch == o.Resumption.PSKEpoch
	}
}

///
/// PSK stores
///

// PreSharedKeyStore supplies external pre-shared keys by id.
type PreSharedKeyStore interface {
	PSK(id []byte) ([]byte, bool)
}

// ResumptionSecretSource supplies resumption secrets of past epochs.
type ResumptionSecretSource interface {
	ResumptionSecret(groupID []byte, epoch uint64) ([]byte, bool)
}

// MemoryPSKStore is an in-memory PreSharedKeyStore safe for concurrent use.
type MemoryPSKStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryPSKStore() *MemoryPSKStore {
	return &MemoryPSKStore{keys: map[string][]byte{}}
}

func (s *MemoryPSKStore) Add(id, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[string(id)] = dup(secret)
}

func (s *MemoryPSKStore) Remove(id []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(id)]; ok {
		zeroize(k)
		delete(s.keys, string(id))
	}
}

func (s *MemoryPSKStore) PSK(id []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[string(id)]
	return dup(k), ok
}

type resumptionKey struct {
	groupID string
	epoch   uint64
}

// resumptionSecrets retains the resumption secrets of the most recent
// epochs. Evicted secrets are zeroized.
type resumptionSecrets struct {
	cache *lru.Cache
}

func newResumptionSecrets(size int) (*resumptionSecrets, error) {
	if size <= 0 {
		size = 1
	}

	cache, err := lru.NewWithEvict(size, func(_ interface{}, value interface{}) {
		zeroize(value.([]byte))
	})
	if err != nil {
		return nil, stateError("psk", err)
	}
	return &resumptionSecrets{cache: cache}, nil
}

func (r *resumptionSecrets) add(groupID []byte, epoch uint64, secret []byte) {
	r.cache.Add(resumptionKey{string(groupID), epoch}, dup(secret))
}

func (r *resumptionSecrets) ResumptionSecret(groupID []byte, epoch uint64) ([]byte, bool) {
	v, ok := r.cache.Get(resumptionKey{string(groupID), epoch})
	if !ok {
		return nil, false
	}
	return dup(v.([]byte)), true
}

func (r *resumptionSecrets) purge() {
	r.cache.Purge()
}

// pskResolver looks up the secret behind a PSK id.
type pskResolver struct {
	external   PreSharedKeyStore
	resumption []ResumptionSecretSource
}

func (r pskResolver) secret(id PreSharedKeyID) ([]byte, bool) {
	switch id.Type() {
	case PSKTypeExternal:
		if r.external == nil {
			return nil, false
		}
		return r.external.PSK(id.External.PSKID)
	default:
		for _, src := range r.resumption {
			if src == nil {
				continue
			}
			if s, ok := src.ResumptionSecret(id.Resumption.PSKGroupID, id.Resumption.PSKEpoch); ok {
				return s, true
			}
		}
		return nil, false
	}
}

type pskLabel struct {
	ID    PreSharedKeyID
	Index uint16
	Count uint16
}

// pskSecret chains the listed PSKs in order. It is all zeros when the list
// is empty.
func pskSecret(cs CipherSuiteProvider, ids []PreSharedKeyID, resolver pskResolver) ([]byte, error) {
	nh := cs.Constants().SecretSize
	secret := make([]byte, nh)

	for i, id := range ids {
		psk, ok := resolver.secret(id)
		if !ok {
			return nil, validationError("psk", ErrPSKNotFound)
		}

		extracted := cs.KDFExtract(make([]byte, nh), psk)
		zeroize(psk)

		label, err := marshal(pskLabel{ID: id, Index: uint16(i), Count: uint16(len(ids))})
		if err != nil {
			return nil, err
		}

		input, err := expandWithLabel(cs, extracted, "derived psk", label, nh)
		zeroize(extracted)
		if err != nil {
			return nil, err
		}

		next := cs.KDFExtract(input, secret)
		zeroizeAll(input, secret)
		secret = next
	}

	return secret, nil
}
