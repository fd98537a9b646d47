package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBasicCredential(t *testing.T) {
	identity := []byte("res ipsa")
	cred := NewBasicCredential(identity)
	require.True(t, cred.Equals(cred))
	require.Equal(t, CredentialTypeBasic, cred.Type())
	require.Equal(t, identity, cred.Identity())
	require.False(t, cred.Equals(NewBasicCredential([]byte("other"))))

	enc, err := marshal(cred)
	require.Nil(t, err)
	var decoded Credential
	require.Nil(t, unmarshal(enc, &decoded))
	require.True(t, cred.Equals(decoded))

	_, err = marshal(Credential{})
	require.Error(t, err)
}

func TestBasicIdentityValidator(t *testing.T) {
	v := BasicIdentityValidator{}
	require.Nil(t, v.Validate(NewBasicCredential([]byte("alice")), SignaturePublicKey{}))

	err := v.Validate(NewBasicCredential(nil), SignaturePublicKey{})
	require.True(t, errors.Is(err, ErrInvalidCredential))
}

func newTestCert(t *testing.T, name string, serial int64, pub ed25519.PublicKey, parent *x509.Certificate, parentPriv ed25519.PrivateKey, isCA bool) *x509.Certificate {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	}
	if parent == nil {
		parent = template
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentPriv)
	require.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)
	return cert
}

func TestX509Credential(t *testing.T) {
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	root := newTestCert(t, "root", 1, rootPub, nil, rootPriv, true)

	leafPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	leaf := newTestCert(t, "alice", 2, leafPub, root, rootPriv, false)

	_, err = NewX509Credential(nil)
	require.Error(t, err)

	cred, err := NewX509Credential([]*x509.Certificate{leaf})
	require.Nil(t, err)
	require.Equal(t, CredentialTypeX509, cred.Type())
	require.Equal(t, leaf.RawSubject, cred.Identity())
	require.Nil(t, cred.X509.Verify([]*x509.Certificate{root}))

	key, err := cred.X509.PublicKey()
	require.Nil(t, err)
	require.Equal(t, []byte(leafPub), key.Data)

	enc, err := marshal(cred)
	require.Nil(t, err)
	var decoded Credential
	require.Nil(t, unmarshal(enc, &decoded))
	require.True(t, cred.Equals(decoded))

	v := X509IdentityValidator{Trusted: []*x509.Certificate{root}}
	require.Nil(t, v.Validate(cred, *key))
	require.True(t, errors.Is(v.Validate(cred, SignaturePublicKey{Data: []byte{1}}), ErrInvalidCredential))
	require.True(t, errors.Is(v.Validate(NewBasicCredential([]byte("bob")), *key), ErrInvalidCredential))

	v.AllowBasic = true
	require.Nil(t, v.Validate(NewBasicCredential([]byte("bob")), *key))

	otherPub, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	other := newTestCert(t, "other root", 3, otherPub, nil, otherPriv, true)
	untrusted := X509IdentityValidator{Trusted: []*x509.Certificate{other}}
	require.True(t, errors.Is(untrusted.Validate(cred, *key), ErrInvalidCredential))
}
