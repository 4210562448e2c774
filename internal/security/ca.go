// Package security is the cluster certificate authority backing mTLS
// between the control plane, ingress, and node agent. Adapted directly
// from this codebase's own CertAuthority — same shape (self-signed root,
// RSA leaf issuance, in-memory cert cache) — persisted to Postgres
// instead of the BoltDB cluster store, and issuing per-service identities
// (control-plane, ingress, node-agent) instead of per-cluster-node ones.
// The root private key is sealed with Cipher (PLFM_SECRETS_MASTER_KEY)
// before it is written to cluster_ca, matching this codebase's own
// Encrypt/Decrypt-before-persist treatment of the root key.
package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	serviceCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	serviceKeySize   = 2048
)

// CertAuthority issues and verifies service identities for the cluster.
type CertAuthority struct {
	pool   *pgxpool.Pool
	cipher *Cipher // encrypts the root key at rest, derived from PLFM_SECRETS_MASTER_KEY

	mu        sync.RWMutex
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	certCache map[string]*CachedCert
}

type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS cluster_ca (
	id            INT PRIMARY KEY DEFAULT 1,
	root_cert_der BYTEA NOT NULL,
	root_key_der  BYTEA NOT NULL,
	CHECK (id = 1)
);`

func NewCertAuthority(pool *pgxpool.Pool, cipher *Cipher) *CertAuthority {
	return &CertAuthority{pool: pool, cipher: cipher, certCache: make(map[string]*CachedCert)}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// Initialize generates a fresh root CA keypair in memory. Callers
// typically call LoadFromStore first and fall back to Initialize +
// SaveToStore only when no CA row exists yet.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"plfm"},
			CommonName:   "plfm cluster root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

func (ca *CertAuthority) LoadFromStore(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	var certDER, sealedKeyDER []byte
	err := ca.pool.QueryRow(ctx, `SELECT root_cert_der, root_key_der FROM cluster_ca WHERE id=1`).Scan(&certDER, &sealedKeyDER)
	if err != nil {
		return fmt.Errorf("load CA from store: %w", err)
	}

	keyDER, err := ca.cipher.Open(sealedKeyDER)
	if err != nil {
		return fmt.Errorf("decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

func (ca *CertAuthority) SaveToStore(ctx context.Context) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}
	keyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	sealedKeyDER, err := ca.cipher.Seal(keyDER)
	if err != nil {
		return fmt.Errorf("encrypt root key: %w", err)
	}
	_, err = ca.pool.Exec(ctx,
		`INSERT INTO cluster_ca (id, root_cert_der, root_key_der) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET root_cert_der=$1, root_key_der=$2`,
		ca.rootCert.Raw, sealedKeyDER)
	if err != nil {
		return fmt.Errorf("save CA to store: %w", err)
	}
	return nil
}

// IssueServiceCertificate issues a leaf certificate for one of the three
// binaries (control-plane, ingress, node-agent), identified by serviceID.
func (ca *CertAuthority) IssueServiceCertificate(serviceID, role string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, serviceKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate service key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"plfm"},
			CommonName:   fmt.Sprintf("%s-%s", role, serviceID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(serviceCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("create service certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse service certificate: %w", err)
	}

	tlsCert := &tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: cert}
	ca.cacheCertificate(serviceID, cert, key)
	return tlsCert, nil
}

func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.certCache[id] = &CachedCert{Cert: cert, Key: key, IssuedAt: cert.NotBefore, ExpiresAt: cert.NotAfter}
}

func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, ok := ca.certCache[id]
	return cert, ok
}
