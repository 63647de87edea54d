package core

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JaytheSpazz/mod-md/log"
)

// ChallengeStore manages the on-disk directory tree the HTTP server answers
// ACME challenges from. Layout: <root>/<domain>/<token>, file contents being
// the key authorization the CA expects to fetch.
//
// Locking is per domain. Reconcile never blocks token writes for domains it
// is not about to remove.
type ChallengeStore struct {
	root string

	mtx   sync.Mutex
	locks map[string]*sync.Mutex
}

func NewChallengeStore(root string) (*ChallengeStore, error) {
	if err := CreateDir(root, 0700); err != nil {
		return nil, err
	}
	return &ChallengeStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *ChallengeStore) Root() string {
	return s.root
}

func (s *ChallengeStore) lock(domain string) *sync.Mutex {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	l, ok := s.locks[domain]
	if !ok {
		l = &sync.Mutex{}
		s.locks[domain] = l
	}
	return l
}

// Activate makes sure a challenge directory exists for the domain.
// Idempotent.
func (s *ChallengeStore) Activate(domain string) error {
	domain = strings.ToLower(domain)
	l := s.lock(domain)
	l.Lock()
	defer l.Unlock()

	if err := CreateDir(filepath.Join(s.root, domain), 0700); err != nil {
		return &ChallengeIOError{Domain: domain, Err: err}
	}
	return nil
}

// WriteToken stores the key authorization for a challenge token. The domain
// directory must exist; a missing or unwritable directory is a
// ChallengeIOError.
func (s *ChallengeStore) WriteToken(domain string, token string, keyAuth string) error {
	domain = strings.ToLower(domain)
	l := s.lock(domain)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.root, domain)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return &ChallengeIOError{Domain: domain, Err: os.ErrNotExist}
	}
	if err := os.WriteFile(filepath.Join(dir, token), []byte(keyAuth), 0600); err != nil {
		return &ChallengeIOError{Domain: domain, Err: err}
	}
	return nil
}

// ReadToken finds the key authorization for a token across all entries. This
// is the serving path behind /.well-known/acme-challenge/<token>; the CA does
// not tell us which domain it is validating on the wire.
func (s *ChallengeStore) ReadToken(token string) ([]byte, bool) {
	// tokens are opaque single path elements; anything else is someone
	// probing the store
	if token == "" || strings.ContainsAny(token, "/\\") || token == "." || token == ".." {
		return nil, false
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), token))
		if err == nil {
			return data, true
		}
	}
	return nil, false
}

// RemoveToken deletes a single token file. The domain directory stays; the
// reconciler owns its lifetime.
func (s *ChallengeStore) RemoveToken(domain string, token string) error {
	domain = strings.ToLower(domain)
	l := s.lock(domain)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(filepath.Join(s.root, domain, token))
	if err != nil && !os.IsNotExist(err) {
		return &ChallengeIOError{Domain: domain, Err: err}
	}
	return nil
}

// Remove deletes a domain's challenge directory and everything in it.
func (s *ChallengeStore) Remove(domain string) error {
	domain = strings.ToLower(domain)
	l := s.lock(domain)
	l.Lock()
	defer l.Unlock()

	return os.RemoveAll(filepath.Join(s.root, domain))
}

// List returns the domain entries currently on disk.
func (s *ChallengeStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, e := range entries {
		if e.IsDir() {
			ret = append(ret, e.Name())
		}
	}
	return ret, nil
}

// Reconcile removes every entry not backed by a currently active domain.
// Orphans show up after renames, removals or challenges that died before a
// restart; they must not outlive the reload that made them stale. Deletion is
// best effort: one orphan failing to go away does not stop the sweep.
// Returns the names of the orphans it removed.
func (s *ChallengeStore) Reconcile(active []string) []string {
	activeSet := make(map[string]bool)
	for _, d := range active {
		activeSet[strings.ToLower(d)] = true
	}

	onDisk, err := s.List()
	if err != nil {
		log.Error("challenge store: listing '%s': %v", s.root, err)
		return nil
	}

	var removed []string
	for _, name := range onDisk {
		if activeSet[name] {
			continue
		}
		if err := s.Remove(name); err != nil {
			log.Warning("challenge store: failed to remove stale entry '%s': %v", name, err)
			continue
		}
		log.Debug("challenge store: removed stale entry '%s'", name)
		removed = append(removed, name)
	}
	return removed
}
