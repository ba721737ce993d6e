// Package certstore implements the forged-leaf-certificate factory spec §4.7
// describes: an issuer key loaded from disk (generated once if absent), a
// serial-number allocator (optionally disk-persisted for "strong serial
// numbers"), and an in-memory cache of minted leaves keyed by canonical
// identity. Concurrent mints of the same identity are coalesced into one
// create(); create() calls for different identities are not serialised and
// may run at the same time.
//
// Grounded on two teacher-repo sources: cert/self_sign_ca_test.go (the
// observed NewSelfSignCA/getStorePath/saveTo/caFile API shape for the
// on-disk issuer) and examples/trusted-ca/trustedca.go (the
// groupcache lru+singleflight cache/coalesce pattern), promoted here from a
// peripheral example into the store's core caching and same-identity
// coalescing mechanism.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"

	"github.com/jnestelroad/aether-go/internal/perror"
)

// Identity is the cache key for a forged leaf (spec §3 CertificateIdentity).
type Identity struct {
	CommonName   string
	SANs         []string
	Organization string
	Country      string
}

// canonical returns a stable string form: sorted, de-duplicated SANs plus
// the remaining fields, so two Identity values naming the same set in a
// different order hash to the same cache entry (spec §8 "equal canonical
// form" invariant).
func (id Identity) canonical() string {
	sanSet := map[string]struct{}{id.CommonName: {}}
	for _, s := range id.SANs {
		sanSet[s] = struct{}{}
	}
	sans := make([]string, 0, len(sanSet))
	for s := range sanSet {
		sans = append(sans, s)
	}
	sort.Strings(sans)
	return fmt.Sprintf("%s|%s|%s|%s", id.CommonName, strings.Join(sans, ","), id.Organization, id.Country)
}

// Forged is a minted leaf certificate, its private key, and the on-disk
// chain-file path it was (optionally) persisted to (spec §3 ForgedCertificate).
type Forged struct {
	Leaf       *x509.Certificate
	DER        []byte
	PrivateKey *rsa.PrivateKey
	ChainFile  string
}

// Options configures a Store (spec §4.7, §6).
type Options struct {
	StoreDir           string // directory holding the issuer key/cert and serial counter; "" uses an OS temp dir
	CacheSize          int    // LRU entries; spec default 100
	StrongSerialNumber bool   // persist a monotonic serial counter to disk instead of random generation
	LeafLifetime       time.Duration
}

// DefaultOptions matches the teacher's trusted-ca cache size and a
// conservative leaf lifetime.
func DefaultOptions() Options {
	return Options{CacheSize: 100, LeafLifetime: 365 * 24 * time.Hour}
}

// Store mints and caches forged leaf certificates signed by a disk-backed
// issuer key (spec §4.7). Safe for concurrent use: cache lookups take an
// exclusive lock, so concurrent readers take turns, and concurrent
// create()s for the same identity single-flight into one mint operation.
type Store struct {
	opts Options
	dir  string

	issuerCert *x509.Certificate
	issuerKey  *rsa.PrivateKey

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   singleflight.Group

	serialMu  sync.Mutex
	serialCtr int64
}

// New opens (or initialises) a Store, loading the issuer key/cert from
// opts.StoreDir or generating and persisting one on first use (spec §4.7:
// "an issuer key loaded from disk; if not present, generate once and
// persist").
func New(opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 100
	}
	dir := opts.StoreDir
	if dir == "" {
		var err error
		dir, err = storeDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, perror.Wrap(perror.CertificateCreationError, "create store dir", err)
	}
	s := &Store{opts: opts, dir: dir, cache: lru.New(opts.CacheSize)}
	if err := s.loadOrCreateIssuer(); err != nil {
		return nil, err
	}
	if opts.StrongSerialNumber {
		if err := s.loadSerialCounter(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func storeDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "aether-go", "ca"), nil
}

func (s *Store) issuerKeyFile() string  { return filepath.Join(s.dir, "issuer-key.pem") }
func (s *Store) issuerCertFile() string { return filepath.Join(s.dir, "issuer-cert.pem") }
func (s *Store) serialFile() string     { return filepath.Join(s.dir, "serial.counter") }

func (s *Store) loadOrCreateIssuer() error {
	keyPEM, keyErr := os.ReadFile(s.issuerKeyFile())
	certPEM, certErr := os.ReadFile(s.issuerCertFile())
	if keyErr == nil && certErr == nil {
		key, cert, err := decodeIssuer(keyPEM, certPEM)
		if err == nil {
			s.issuerKey, s.issuerCert = key, cert
			return nil
		}
	}
	return s.generateAndSaveIssuer()
}

func decodeIssuer(keyPEM, certPEM []byte) (*rsa.PrivateKey, *x509.Certificate, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	certBlock, _ := pem.Decode(certPEM)
	if keyBlock == nil || certBlock == nil {
		return nil, nil, errors.New("malformed issuer PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func (s *Store) generateAndSaveIssuer() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return perror.Wrap(perror.CertificateCreationError, "generate issuer key", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return perror.Wrap(perror.CertificateCreationError, "generate issuer serial", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "aether-go MITM CA", Organization: []string{"aether-go"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return perror.Wrap(perror.CertificateCreationError, "self-sign issuer", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return perror.Wrap(perror.CertificateCreationError, "parse self-signed issuer", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(s.issuerKeyFile(), keyPEM, 0o600); err != nil {
		return perror.Wrap(perror.CertificateCreationError, "persist issuer key", err)
	}
	if err := os.WriteFile(s.issuerCertFile(), certPEM, 0o644); err != nil {
		return perror.Wrap(perror.CertificateCreationError, "persist issuer cert", err)
	}
	s.issuerKey, s.issuerCert = key, cert
	return nil
}

func (s *Store) loadSerialCounter() error {
	data, err := os.ReadFile(s.serialFile())
	if err != nil {
		s.serialCtr = 1
		return nil
	}
	n := new(big.Int)
	if _, ok := n.SetString(strings.TrimSpace(string(data)), 10); ok {
		s.serialCtr = n.Int64()
	} else {
		s.serialCtr = 1
	}
	return nil
}

func (s *Store) nextSerial() (*big.Int, error) {
	if !s.opts.StrongSerialNumber {
		return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	s.serialMu.Lock()
	defer s.serialMu.Unlock()
	s.serialCtr++
	if err := os.WriteFile(s.serialFile(), []byte(fmt.Sprintf("%d", s.serialCtr)), 0o600); err != nil {
		return nil, perror.Wrap(perror.CertificateCreationError, "persist serial counter", err)
	}
	return big.NewInt(s.serialCtr), nil
}

// Get returns the cached forged leaf for identity, if one has already been
// minted.
func (s *Store) Get(identity Identity) (*Forged, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	v, ok := s.cache.Get(identity.canonical())
	if !ok {
		return nil, false
	}
	return v.(*Forged), true
}

// GetOrCreate returns the cached leaf for identity, or mints and caches one.
// Concurrent callers for the same identity single-flight into one mint;
// mints for different identities are not serialised against each other.
func (s *Store) GetOrCreate(identity Identity) (*Forged, error) {
	if f, ok := s.Get(identity); ok {
		return f, nil
	}
	key := identity.canonical()
	v, err := s.group.Do(key, func() (any, error) {
		if f, ok := s.Get(identity); ok {
			return f, nil
		}
		f, err := s.create(identity)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		s.cache.Add(key, f)
		s.cacheMu.Unlock()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Forged), nil
}

func (s *Store) create(identity Identity) (*Forged, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, perror.Wrap(perror.CertificateCreationError, "generate leaf key", err)
	}
	serial, err := s.nextSerial()
	if err != nil {
		return nil, err
	}

	sanSet := map[string]struct{}{identity.CommonName: {}}
	for _, san := range identity.SANs {
		sanSet[san] = struct{}{}
	}
	dnsNames := make([]string, 0, len(sanSet))
	for san := range sanSet {
		dnsNames = append(dnsNames, san)
	}
	sort.Strings(dnsNames)

	subject := pkix.Name{CommonName: identity.CommonName}
	if identity.Organization != "" {
		subject.Organization = []string{identity.Organization}
	}
	if identity.Country != "" {
		subject.Country = []string{identity.Country}
	}

	lifetime := s.opts.LeafLifetime
	if lifetime <= 0 {
		lifetime = 365 * 24 * time.Hour
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(lifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.issuerCert, &key.PublicKey, s.issuerKey)
	if err != nil {
		return nil, perror.Wrap(perror.CertificateCreationError, "sign leaf", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, perror.Wrap(perror.CertificateCreationError, "parse signed leaf", err)
	}
	return &Forged{Leaf: leaf, DER: der, PrivateKey: key}, nil
}

// IssuerCertPEM returns the PEM-encoded issuer certificate, for clients that
// want to trust the proxy's CA out of band.
func (s *Store) IssuerCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.issuerCert.Raw})
}

// IdentityFromNames builds an Identity from a ClientHello SNI list union'd
// with an upstream certificate's SANs and CN (spec §4.6 step 5).
func IdentityFromNames(commonName string, sans []string) Identity {
	return Identity{CommonName: commonName, SANs: sans}
}
