package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// fakeAcmeClient stands in for lego. Obtain drives the configured provider the
// way lego would: Present, let the CA "validate", CleanUp, hand out the
// certificate.
type fakeAcmeClient struct {
	t *testing.T

	registerCalls int
	httpProvider  challenge.Provider
	dnsProvider   challenge.Provider

	obtainErr error
	onObtain  func()
	onPresent func()
	onCleanUp func()
}

func (f *fakeAcmeClient) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	if !options.TermsOfServiceAgreed {
		return nil, errors.New("terms not agreed")
	}
	f.registerCalls++
	return &registration.Resource{URI: "https://ca.invalid/acct/1"}, nil
}

func (f *fakeAcmeClient) SetHTTP01Provider(provider challenge.Provider) error {
	f.httpProvider = provider
	return nil
}

func (f *fakeAcmeClient) SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error {
	f.dnsProvider = provider
	return nil
}

func (f *fakeAcmeClient) Obtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	if f.onObtain != nil {
		f.onObtain()
	}
	if f.obtainErr != nil {
		return nil, f.obtainErr
	}

	provider := f.httpProvider
	if provider == nil {
		provider = f.dnsProvider
	}
	if provider == nil {
		return nil, errors.New("no challenge provider configured")
	}

	domain := req.Domains[0]
	token := "faketoken"
	keyAuth := token + ".fakeauth"
	if err := provider.Present(domain, token, keyAuth); err != nil {
		return nil, err
	}
	if f.onPresent != nil {
		f.onPresent()
	}
	if err := provider.CleanUp(domain, token, keyAuth); err != nil {
		return nil, err
	}
	if f.onCleanUp != nil {
		f.onCleanUp()
	}

	certPEM, keyPEM := testCertPair(f.t, domain, time.Now().Add(90*24*time.Hour))
	return &certificate.Resource{
		Domain:            domain,
		PrivateKey:        keyPEM,
		Certificate:       certPEM,
		IssuerCertificate: certPEM,
	}, nil
}

func newTestAcmeClient(t *testing.T, fake *fakeAcmeClient) (*AcmeClient, *ChallengeStore) {
	t.Helper()
	dir := t.TempDir()

	cfg, err := NewConfig(dir, "")
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	cfg.SetContact("admin@example.com")

	challenges, err := NewChallengeStore(filepath.Join(dir, "challenges"))
	if err != nil {
		t.Fatalf("NewChallengeStore: %v", err)
	}

	ac, err := NewAcmeClient(cfg, challenges, nil)
	if err != nil {
		t.Fatalf("NewAcmeClient: %v", err)
	}
	ac.newClient = func(cfg *lego.Config) (acmeClient, error) {
		return fake, nil
	}
	return ac, challenges
}

func TestAcmeIssueStateWalk(t *testing.T) {
	fake := &fakeAcmeClient{t: t}
	ac, _ := newTestAcmeClient(t, fake)
	md := &ManagedDomain{Name: "example.com", Contact: "admin@example.com"}

	var states []string
	snap := func() {
		if a := ac.Attempt("example.com"); a != nil {
			s, _ := a.State()
			states = append(states, s)
		}
	}
	fake.onObtain = snap
	fake.onPresent = snap
	fake.onCleanUp = snap

	rec, err := ac.Issue(md)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.Domain != "example.com" {
		t.Errorf("Domain = %q", rec.Domain)
	}
	if rec.ExpiresAt.Before(time.Now().Add(80 * 24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, not the issued certificate's expiry", rec.ExpiresAt)
	}
	if rec.AccountRef == "" {
		t.Error("AccountRef empty")
	}

	want := []string{ATTEMPT_ORDER_CREATED, ATTEMPT_CHALLENGE_OFFER, ATTEMPT_CHALLENGE_ACCEPT}
	if len(states) != len(want) {
		t.Fatalf("observed states %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("observed states %v, want %v", states, want)
		}
	}

	if ac.Attempt("example.com") != nil {
		t.Error("attempt survived Issue completion")
	}
}

func TestAcmeChallengeFilesComeAndGo(t *testing.T) {
	fake := &fakeAcmeClient{t: t}
	ac, challenges := newTestAcmeClient(t, fake)
	md := &ManagedDomain{Name: "example.com", Aliases: []string{"www.example.com"}}

	var present []byte
	fake.onPresent = func() {
		present, _ = challenges.ReadToken("faketoken")
	}

	if _, err := ac.Issue(md); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if string(present) != "faketoken.fakeauth" {
		t.Errorf("token during validation = %q, want the key authorization", present)
	}
	if _, ok := challenges.ReadToken("faketoken"); ok {
		t.Error("token file survived cleanup")
	}
}

func TestAcmeRegistersOnce(t *testing.T) {
	fake := &fakeAcmeClient{t: t}
	ac, _ := newTestAcmeClient(t, fake)
	md := &ManagedDomain{Name: "example.com"}

	if _, err := ac.Issue(md); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	if _, err := ac.Issue(md); err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if fake.registerCalls != 1 {
		t.Errorf("Register ran %d times, want 1", fake.registerCalls)
	}
}

func TestAcmeAccountKeyPersists(t *testing.T) {
	fake := &fakeAcmeClient{t: t}
	ac, _ := newTestAcmeClient(t, fake)
	md := &ManagedDomain{Name: "example.com"}

	if _, err := ac.Issue(md); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	keyPath := filepath.Join(ac.accountDir(), "account.key")
	first, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("account key not persisted: %v", err)
	}

	if _, err := ac.Issue(md); err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	second, _ := os.ReadFile(keyPath)
	if string(first) != string(second) {
		t.Error("account key changed between issuances")
	}
}

func TestAcmeClassify(t *testing.T) {
	fake := &fakeAcmeClient{t: t}
	ac, _ := newTestAcmeClient(t, fake)
	started := time.Now()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limited", &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:rateLimited", Detail: "slow down"}, true},
		{"bad nonce", &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:badNonce"}, true},
		{"server internal", &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:serverInternal"}, true},
		{"rejected", &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:rejectedIdentifier"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ac.classify("example.com", fmt.Errorf("obtain: %w", tt.err), started)
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("classify = %T, want *ProtocolError", err)
			}
			if perr.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", perr.Retryable, tt.retryable)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}

	t.Run("rate limit carries retry-after", func(t *testing.T) {
		err := ac.classify("example.com", &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:rateLimited"}, started)
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.RetryAfter != 3600 {
			t.Errorf("classify = %v, want retry-after of 3600s", err)
		}
	})

	t.Run("challenge io passes through", func(t *testing.T) {
		orig := &ChallengeIOError{Domain: "example.com", Err: os.ErrNotExist}
		err := ac.classify("example.com", orig, started)
		var cioe *ChallengeIOError
		if !errors.As(err, &cioe) {
			t.Errorf("classify = %T, want *ChallengeIOError", err)
		}
	})

	t.Run("slow validation becomes timeout", func(t *testing.T) {
		err := ac.classify("example.com", errors.New("pending"), time.Now().Add(-ac.obtainTimeout-time.Second))
		var terr *ValidationTimeoutError
		if !errors.As(err, &terr) {
			t.Errorf("classify = %T, want *ValidationTimeoutError", err)
		}
	})

	t.Run("fast generic failure stays generic", func(t *testing.T) {
		err := ac.classify("example.com", errors.New("connection refused"), time.Now())
		var terr *ValidationTimeoutError
		if errors.As(err, &terr) {
			t.Error("fast failure misclassified as validation timeout")
		}
	})
}

func TestAcmeObtainFailureClassified(t *testing.T) {
	fake := &fakeAcmeClient{t: t, obtainErr: &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:rateLimited", Detail: "later"}}
	ac, _ := newTestAcmeClient(t, fake)

	_, err := ac.Issue(&ManagedDomain{Name: "example.com"})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Issue error = %T, want *ProtocolError", err)
	}
	if !perr.Retryable || perr.RetryAfter != 3600 {
		t.Errorf("ProtocolError = %+v, want retryable with retry-after", perr)
	}
}

func TestHttpSolverActivateFailure(t *testing.T) {
	fake := &fakeAcmeClient{t: t}
	ac, challenges := newTestAcmeClient(t, fake)

	// a plain file where the domain directory belongs makes activation fail
	if err := os.WriteFile(filepath.Join(challenges.Root(), "example.com"), []byte("x"), 0600); err != nil {
		t.Fatalf("plant file: %v", err)
	}

	_, err := ac.Issue(&ManagedDomain{Name: "example.com"})
	var cioe *ChallengeIOError
	if !errors.As(err, &cioe) {
		t.Fatalf("Issue error = %T (%v), want *ChallengeIOError", err, err)
	}
}
