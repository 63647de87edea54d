package core

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JaytheSpazz/mod-md/log"
)

// CertRecord is one complete set of certificate credentials for a managed
// domain. Replaced as a whole on renewal, never edited in place.
type CertRecord struct {
	Domain     string    `json:"domain"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Serial     string    `json:"serial"`
	AccountRef string    `json:"account_ref"`

	PrivKeyPEM []byte `json:"-"`
	CertPEM    []byte `json:"-"`
	ChainPEM   []byte `json:"-"`
}

const (
	certFileKey   = "privkey.pem"
	certFileCert  = "cert.pem"
	certFileChain = "chain.pem"
	certFileMeta  = "md.json"

	certSuffixStaging = ".staging"
	certSuffixBackup  = ".bak"
)

// CertStore persists issued certificates per domain under <root>/<domain>/.
// Put stages a full record next to the live directory and swaps it in with a
// rename, so the serving path only ever sees a complete old record or a
// complete new one. The replaced record stays around as <domain>.bak until
// the next successful replace.
type CertStore struct {
	root string
}

func NewCertStore(root string) (*CertStore, error) {
	if err := CreateDir(root, 0700); err != nil {
		return nil, err
	}
	return &CertStore{root: root}, nil
}

func (s *CertStore) Root() string {
	return s.root
}

func (s *CertStore) domainDir(domain string) string {
	return filepath.Join(s.root, strings.ToLower(domain))
}

// Get loads the active record for a domain. Returns nil when there is none or
// when what is on disk is not a complete, matching key/cert pair (a
// half-written directory counts as absent, never as a hybrid).
func (s *CertStore) Get(domain string) *CertRecord {
	dir := s.domainDir(domain)

	meta, err := os.ReadFile(filepath.Join(dir, certFileMeta))
	if err != nil {
		return nil
	}
	rec := &CertRecord{}
	if err := json.Unmarshal(meta, rec); err != nil {
		log.Warning("cert store: %s: corrupt metadata: %v", domain, err)
		return nil
	}

	rec.PrivKeyPEM, err = os.ReadFile(filepath.Join(dir, certFileKey))
	if err != nil {
		return nil
	}
	rec.CertPEM, err = os.ReadFile(filepath.Join(dir, certFileCert))
	if err != nil {
		return nil
	}
	// chain is optional; some CAs bundle it into cert.pem
	rec.ChainPEM, _ = os.ReadFile(filepath.Join(dir, certFileChain))

	if _, err := tls.X509KeyPair(rec.CertPEM, rec.PrivKeyPEM); err != nil {
		log.Warning("cert store: %s: key does not match certificate: %v", domain, err)
		return nil
	}
	return rec
}

// Put atomically replaces the active record. Write order: stage everything,
// force to disk, rotate the previous record to .bak, rename the staging
// directory into place.
func (s *CertStore) Put(domain string, rec *CertRecord) error {
	domain = strings.ToLower(domain)
	dir := s.domainDir(domain)
	staging := dir + certSuffixStaging
	backup := dir + certSuffixBackup

	if err := os.RemoveAll(staging); err != nil {
		return &StorageError{Domain: domain, Op: "clear staging", Err: err}
	}
	if err := os.MkdirAll(staging, 0700); err != nil {
		return &StorageError{Domain: domain, Op: "mkdir staging", Err: err}
	}

	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &StorageError{Domain: domain, Op: "encode metadata", Err: err}
	}
	files := map[string][]byte{
		certFileKey:  rec.PrivKeyPEM,
		certFileCert: rec.CertPEM,
		certFileMeta: meta,
	}
	if len(rec.ChainPEM) > 0 {
		files[certFileChain] = rec.ChainPEM
	}
	for name, data := range files {
		if err := WriteFileSync(filepath.Join(staging, name), data, 0600); err != nil {
			os.RemoveAll(staging)
			return &StorageError{Domain: domain, Op: "write " + name, Err: err}
		}
	}
	if err := SyncDir(staging); err != nil {
		os.RemoveAll(staging)
		return &StorageError{Domain: domain, Op: "sync staging", Err: err}
	}

	if _, err := os.Stat(dir); err == nil {
		os.RemoveAll(backup)
		if err := os.Rename(dir, backup); err != nil {
			os.RemoveAll(staging)
			return &StorageError{Domain: domain, Op: "rotate backup", Err: err}
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		// live dir is gone at this point if the backup rotation ran; put
		// the old record back so the serving path is not left empty
		if _, berr := os.Stat(backup); berr == nil {
			os.Rename(backup, dir)
		}
		return &StorageError{Domain: domain, Op: "activate", Err: err}
	}
	SyncDir(s.root)

	log.Debug("cert store: %s: new certificate activated, expires %s", domain, rec.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Rollback restores the previous record from .bak, swapping the current one
// out of the way. Manual operator action.
func (s *CertStore) Rollback(domain string) error {
	domain = strings.ToLower(domain)
	dir := s.domainDir(domain)
	backup := dir + certSuffixBackup

	if _, err := os.Stat(backup); err != nil {
		return &StorageError{Domain: domain, Op: "rollback", Err: err}
	}
	if err := os.RemoveAll(dir); err != nil {
		return &StorageError{Domain: domain, Op: "rollback", Err: err}
	}
	if err := os.Rename(backup, dir); err != nil {
		return &StorageError{Domain: domain, Op: "rollback", Err: err}
	}
	return nil
}

// Purge permanently removes a domain's records, backup and staging leftovers
// included. Only the operator gets to do this; a domain merely disappearing
// from the configuration keeps its certificates on disk.
func (s *CertStore) Purge(domain string) error {
	domain = strings.ToLower(domain)
	dir := s.domainDir(domain)
	for _, p := range []string{dir, dir + certSuffixBackup, dir + certSuffixStaging} {
		if err := os.RemoveAll(p); err != nil {
			return &StorageError{Domain: domain, Op: "purge", Err: err}
		}
	}
	return nil
}

// PurgeStaging discards staging leftovers for a domain, keeping the active
// record untouched. Used when a drive job gets reset after errors.
func (s *CertStore) PurgeStaging(domain string) {
	os.RemoveAll(s.domainDir(domain) + certSuffixStaging)
}

// NeedsRenewal is true when the record expires within the renewal window.
// Pure predicate.
func NeedsRenewal(rec *CertRecord, now time.Time, window time.Duration) bool {
	if rec == nil {
		return true
	}
	return rec.ExpiresAt.Sub(now) <= window
}

// ParseCertDates extracts issuance and expiry timestamps plus the serial from
// a PEM certificate.
func ParseCertDates(certPEM []byte) (issued time.Time, expires time.Time, serial string, err error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		err = &StorageError{Op: "decode certificate", Err: os.ErrInvalid}
		return
	}
	cert, perr := x509.ParseCertificate(block.Bytes)
	if perr != nil {
		err = perr
		return
	}
	return cert.NotBefore, cert.NotAfter, cert.SerialNumber.Text(16), nil
}
