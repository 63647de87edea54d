package core

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/JaytheSpazz/mod-md/log"
)

// Per-attempt protocol states, in the order a successful issuance walks
// through them. FAILED is reachable from anywhere.
const (
	ATTEMPT_NEW              = "NEW"
	ATTEMPT_ACCOUNT_READY    = "ACCOUNT_READY"
	ATTEMPT_ORDER_CREATED    = "ORDER_CREATED"
	ATTEMPT_CHALLENGE_OFFER  = "CHALLENGE_OFFERED"
	ATTEMPT_CHALLENGE_ACCEPT = "CHALLENGE_ACCEPTED"
	ATTEMPT_VALIDATED        = "VALIDATED"
	ATTEMPT_CERT_DOWNLOADED  = "CERT_DOWNLOADED"
	ATTEMPT_DONE             = "DONE"
	ATTEMPT_FAILED           = "FAILED"
)

// Attempt tracks one issuance round trip for a managed domain. Transient:
// created when the drive job invokes the client, discarded on completion.
// Never resumed across restarts; a restart abandons in-flight orders and
// starts fresh rather than reusing stale tokens.
type Attempt struct {
	Domain string

	mtx    sync.Mutex
	state  string
	reason string
}

func (a *Attempt) set(state string) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.state = state
	log.Debug("acme: %s: %s", a.Domain, state)
}

func (a *Attempt) fail(reason string) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.state = ATTEMPT_FAILED
	a.reason = reason
}

// State returns the current protocol state and, for FAILED, the reason.
func (a *Attempt) State() (string, string) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.state, a.reason
}

type acmeAccount struct {
	Email string `json:"email"`
	URI   string `json:"uri"`
	key   crypto.PrivateKey
}

func (u *acmeAccount) GetEmail() string {
	return u.Email
}

func (u *acmeAccount) GetRegistration() *registration.Resource {
	if u.URI == "" {
		return nil
	}
	return &registration.Resource{URI: u.URI}
}

func (u *acmeAccount) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

// acmeClient is the slice of lego the AcmeClient drives. Tests substitute it.
type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

type clientFactory func(cfg *lego.Config) (acmeClient, error)

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoAdapter{client: client}, nil
}

type legoAdapter struct {
	client *lego.Client
}

func (l *legoAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoAdapter) SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error {
	return l.client.Challenge.SetDNS01Provider(provider, opts...)
}

func (l *legoAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

// AcmeClient obtains certificates from the CA. One Issue call is one attempt;
// the Driver makes sure there is never more than one per domain in flight.
type AcmeClient struct {
	cfg         *Config
	challenges  *ChallengeStore
	ns          *Nameserver
	accountsDir string

	newClient     clientFactory
	obtainTimeout time.Duration

	mtx      sync.Mutex
	attempts map[string]*Attempt
}

func NewAcmeClient(cfg *Config, challenges *ChallengeStore, ns *Nameserver) (*AcmeClient, error) {
	accountsDir := filepath.Join(cfg.GetCfgDir(), "accounts")
	if err := CreateDir(accountsDir, 0700); err != nil {
		return nil, err
	}
	return &AcmeClient{
		cfg:           cfg,
		challenges:    challenges,
		ns:            ns,
		accountsDir:   accountsDir,
		newClient:     defaultClientFactory,
		obtainTimeout: 2 * time.Minute,
		attempts:      make(map[string]*Attempt),
	}, nil
}

// Attempt returns the in-flight attempt for a domain, if any. Status surface
// only.
func (c *AcmeClient) Attempt(domain string) *Attempt {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.attempts[domain]
}

// Issue runs one full issuance round trip for the managed domain and returns
// the new certificate record. The domain's previous certificate state is
// untouched on failure.
func (c *AcmeClient) Issue(md *ManagedDomain) (*CertRecord, error) {
	attempt := &Attempt{Domain: md.Name, state: ATTEMPT_NEW}
	c.mtx.Lock()
	c.attempts[md.Name] = attempt
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		delete(c.attempts, md.Name)
		c.mtx.Unlock()
	}()

	account, err := c.ensureAccount(md.Contact)
	if err != nil {
		attempt.fail("account")
		return nil, err
	}
	attempt.set(ATTEMPT_ACCOUNT_READY)

	legoCfg := lego.NewConfig(account)
	legoCfg.CADirURL = c.cfg.GetCaURL()
	legoCfg.Certificate.KeyType = certcrypto.EC256
	legoCfg.Certificate.Timeout = c.obtainTimeout

	client, err := c.newClient(legoCfg)
	if err != nil {
		attempt.fail("client")
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}

	if account.URI == "" {
		reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			attempt.fail("register")
			return nil, c.classify(md.Name, err, time.Now())
		}
		account.URI = reg.URI
		if err := c.saveAccountMeta(account); err != nil {
			attempt.fail("account")
			return nil, err
		}
	}

	switch c.cfg.GetChallengeType() {
	case CHALLENGE_DNS01:
		err = client.SetDNS01Provider(&dnsSolver{ns: c.ns, attempt: attempt})
	default:
		err = client.SetHTTP01Provider(&httpSolver{store: c.challenges, md: md, attempt: attempt})
	}
	if err != nil {
		attempt.fail("challenge setup")
		return nil, fmt.Errorf("failed to set challenge provider: %w", err)
	}

	attempt.set(ATTEMPT_ORDER_CREATED)
	started := time.Now()
	res, err := client.Obtain(certificate.ObtainRequest{
		Domains: md.DomainNames(),
		Bundle:  true,
	})
	if err != nil {
		cerr := c.classify(md.Name, err, started)
		attempt.fail(cerr.Error())
		return nil, cerr
	}
	attempt.set(ATTEMPT_VALIDATED)
	attempt.set(ATTEMPT_CERT_DOWNLOADED)

	issued, expires, serial, err := ParseCertDates(res.Certificate)
	if err != nil {
		attempt.fail("parse certificate")
		return nil, fmt.Errorf("failed to parse issued certificate for '%s': %w", md.Name, err)
	}

	rec := &CertRecord{
		Domain:     md.Name,
		IssuedAt:   issued,
		ExpiresAt:  expires,
		Serial:     serial,
		AccountRef: c.accountRef(),
		PrivKeyPEM: res.PrivateKey,
		CertPEM:    res.Certificate,
		ChainPEM:   res.IssuerCertificate,
	}
	attempt.set(ATTEMPT_DONE)
	return rec, nil
}

// classify maps an obtain/register failure onto the error taxonomy.
func (c *AcmeClient) classify(domain string, err error, started time.Time) error {
	var pd *acme.ProblemDetails
	if errors.As(err, &pd) {
		perr := &ProtocolError{
			Domain: domain,
			Type:   pd.Type,
			Detail: pd.Detail,
		}
		switch pd.Type {
		case "urn:ietf:params:acme:error:rateLimited":
			perr.Retryable = true
			perr.RetryAfter = 3600
		case "urn:ietf:params:acme:error:badNonce", "urn:ietf:params:acme:error:serverInternal":
			perr.Retryable = true
		}
		return perr
	}
	var cioe *ChallengeIOError
	if errors.As(err, &cioe) {
		return cioe
	}
	if time.Since(started) >= c.obtainTimeout {
		return &ValidationTimeoutError{Domain: domain}
	}
	return fmt.Errorf("acme: %s: %w", domain, err)
}

func (c *AcmeClient) accountRef() string {
	sum := sha256.Sum256([]byte(c.cfg.GetCaURL()))
	return fmt.Sprintf("%x", sum[:4])
}

func (c *AcmeClient) accountDir() string {
	return filepath.Join(c.accountsDir, c.accountRef())
}

// ensureAccount loads the persisted CA account or creates a fresh key pair.
// The key hits the disk before it is ever used against the CA: losing it
// would mean losing control of every order it opened.
func (c *AcmeClient) ensureAccount(contact string) (*acmeAccount, error) {
	dir := c.accountDir()
	keyPath := filepath.Join(dir, "account.key")
	metaPath := filepath.Join(dir, "account.json")

	account := &acmeAccount{Email: contact}

	keyData, err := os.ReadFile(keyPath)
	if err == nil {
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("account key '%s' is corrupted", keyPath)
		}
		account.key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
		if metaData, err := os.ReadFile(metaPath); err == nil {
			json.Unmarshal(metaData, account)
			if contact != "" {
				account.Email = contact
			}
		}
		return account, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyData = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	if err := CreateDir(dir, 0700); err != nil {
		return nil, err
	}
	if err := WriteFileSync(keyPath, keyData, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist account key: %w", err)
	}
	account.key = key
	return account, nil
}

func (c *AcmeClient) saveAccountMeta(account *acmeAccount) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return WriteFileSync(filepath.Join(c.accountDir(), "account.json"), data, 0600)
}

// httpSolver answers http-01 through the challenge store. Present writes the
// key authorization before lego tells the CA the challenge is ready, which is
// exactly the ordering the protocol needs: servable first, poll second.
type httpSolver struct {
	store   *ChallengeStore
	md      *ManagedDomain
	attempt *Attempt
}

func (ch *httpSolver) Present(domain, token, keyAuth string) error {
	if err := ch.store.Activate(ch.md.Name); err != nil {
		return err
	}
	err := ch.store.WriteToken(ch.md.Name, token, keyAuth)
	if err != nil {
		// one retry on IO trouble, then the attempt fails
		log.Warning("challenge store: retrying token write for '%s': %v", ch.md.Name, err)
		err = ch.store.WriteToken(ch.md.Name, token, keyAuth)
	}
	if err != nil {
		return err
	}
	ch.attempt.set(ATTEMPT_CHALLENGE_OFFER)
	return nil
}

func (ch *httpSolver) CleanUp(domain, token, keyAuth string) error {
	ch.attempt.set(ATTEMPT_CHALLENGE_ACCEPT)
	return ch.store.RemoveToken(ch.md.Name, token)
}

// dnsSolver answers dns-01 through the built-in nameserver.
type dnsSolver struct {
	ns      *Nameserver
	attempt *Attempt
}

func (ch *dnsSolver) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	ch.ns.AddTXT(info.EffectiveFQDN, info.Value, 60)
	ch.attempt.set(ATTEMPT_CHALLENGE_OFFER)
	return nil
}

func (ch *dnsSolver) CleanUp(domain, token, keyAuth string) error {
	ch.attempt.set(ATTEMPT_CHALLENGE_ACCEPT)
	info := dns01.GetChallengeInfo(domain, keyAuth)
	ch.ns.ClearTXT(info.EffectiveFQDN)
	return nil
}
