package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// certValidity bounds the self-signed certificate. A new one is made on every start.
const certValidity = 30 * 24 * time.Hour

var (
	errNoPeerKey   = errors.New("peer certificate carries no ed25519 key")
	errNoPeerNonce = errors.New("peer certificate carries no instance nonce")
)

// Fingerprint names an ed25519 key by the first 8 bytes of its blake3 hash.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// newTLSConfig builds the TLS configuration shared by the listener and dialers.
// Peers are not verified: instances are authenticated by the cluster map.
func newTLSConfig(key ed25519.PrivateKey, advertise string, nonce uint64) (*tls.Config, error) {
	cert, err := selfSigned(key, advertise, nonce)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// selfSigned creates a certificate for key naming the advertised host.
// The subject serial number carries the instance nonce.
func selfSigned(key ed25519.PrivateKey, advertise string, nonce uint64) (tls.Certificate, error) {
	pub := key.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number:\n%w", err)
	}

	subject := pkix.Name{
		CommonName:   "nestfs-" + Fingerprint(pub),
		Organization: []string{"NestFS"},
		SerialNumber: strconv.FormatUint(nonce, 16),
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if host, _, err := net.SplitHostPort(advertise); err == nil && host != "" {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = []net.IP{ip}
		} else {
			template.DNSNames = []string{host}
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate:\n%w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// peerFingerprint names the key a remote process presented.
func peerFingerprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", errNoPeerKey
	}

	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errNoPeerKey
	}

	return Fingerprint(pub), nil
}

// peerNonce returns the instance nonce a remote process presented.
func peerNonce(state tls.ConnectionState) (uint64, error) {
	if len(state.PeerCertificates) == 0 {
		return 0, errNoPeerNonce
	}

	nonce, err := strconv.ParseUint(state.PeerCertificates[0].Subject.SerialNumber, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w:\n%w", errNoPeerNonce, err)
	}

	return nonce, nil
}
