// Package mitm terminates TLS with the guest using a process-local
// certificate authority, minting a leaf certificate for each SNI hostname
// on demand, and opens the corresponding real TLS connection to the
// resolved origin. The CA private key never leaves this package.
package mitm

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/joemiller/certin"
)

// keyAndCertPEM returns the PEM encodings of kp's certificate and private
// key, as certin's older API used to expose directly on the keypair.
func keyAndCertPEM(kp *certin.KeyAndCert) (certPEM, keyPEM []byte, err error) {
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.Certificate.Raw})
	signer, ok := kp.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("mitm: ca private key does not implement crypto.Signer")
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("mitm: marshal ca private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return certPEM, keyPEM, nil
}

// caCertCN is the common name stamped on the process-local root CA. It is
// installed out-of-band into the guest's trust store; only its public
// certificate is ever exported, via PEM().
const caCertCN = "Gondolin Local MITM CA"

// CA is the process-local certificate authority that signs every leaf
// certificate minted for an intercepted TLS flow. The private key is kept
// only in memory (or reloaded from disk by LoadOrCreateCA) and is never
// exposed anywhere the guest can reach.
type CA struct {
	cert    *x509.Certificate
	certPEM []byte
	signer  *certin.KeyAndCert
}

// NewCA generates a fresh root CA keypair. Call this once per process; the
// same CA must be reused for the VM's lifetime so previously minted leaves
// (and the guest's installed trust anchor) remain valid.
func NewCA() (*CA, error) {
	kp, err := certin.NewCert(nil, certin.Request{CN: caCertCN, IsCA: true})
	if err != nil {
		return nil, fmt.Errorf("mitm: generate root ca: %w", err)
	}
	certPEM, _, err := keyAndCertPEM(kp)
	if err != nil {
		return nil, err
	}
	return &CA{cert: kp.Certificate, certPEM: certPEM, signer: kp}, nil
}

// LoadOrCreateCA loads a CA keypair from certPath/keyPath (PEM-encoded), or
// generates and persists a fresh one if they don't yet exist. Reusing the
// same CA across VM restarts means a guest trust-store installation done
// once stays valid.
func LoadOrCreateCA(certPath, keyPath string) (*CA, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("mitm: parse ca keypair from %s/%s: %w", certPath, keyPath, err)
		}
		cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("mitm: parse ca certificate: %w", err)
		}
		signer, ok := tlsCert.PrivateKey.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("mitm: ca private key in %s does not implement crypto.Signer", keyPath)
		}
		kp := &certin.KeyAndCert{
			Certificate: cert,
			PrivateKey:  signer,
			PublicKey:   signer.Public(),
		}
		return &CA{cert: cert, certPEM: certPEM, signer: kp}, nil
	}

	ca, err := NewCA()
	if err != nil {
		return nil, err
	}
	caCertPEM, caKeyPEM, err := keyAndCertPEM(ca.signer)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, caCertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("mitm: persist ca cert: %w", err)
	}
	if err := os.WriteFile(keyPath, caKeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("mitm: persist ca key: %w", err)
	}
	return ca, nil
}

// Certificate returns the CA's public X.509 certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// PEM exports the CA's public certificate in PEM form for installation into
// the guest's trust store. This is the only material ever exported; there
// is deliberately no method that returns the private key.
func (ca *CA) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// mintLeaf signs a short-lived leaf certificate for sni, CN=SAN=[sni].
func (ca *CA) mintLeaf(sni string) (tls.Certificate, *x509.Certificate, error) {
	leaf, err := certin.NewCert(ca.signer, certin.Request{
		CN:   sni,
		SANs: []string{sni},
	})
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("mitm: mint leaf for %q: %w", sni, err)
	}
	cert := leaf.TLSCertificate()
	return cert, leaf.Certificate, nil
}
