package core

import (
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/JaytheSpazz/mod-md/database"
	"github.com/JaytheSpazz/mod-md/log"
)

// Lifecycle states of a managed domain, as shown on the status surfaces.
const (
	MD_STATE_UNKNOWN     = "unknown"
	MD_STATE_NO_CERT     = "no-cert"
	MD_STATE_ISSUING     = "issuing"
	MD_STATE_VALID       = "valid"
	MD_STATE_RENEWAL_DUE = "renewal-due"
)

// Issuer runs one issuance round trip. AcmeClient is the production
// implementation; tests plug in fakes.
type Issuer interface {
	Issue(md *ManagedDomain) (*CertRecord, error)
}

// DomainStatus is one row of the status output.
type DomainStatus struct {
	Name        string    `json:"name"`
	Mode        string    `json:"drive_mode"`
	State       string    `json:"state"`
	Contact     string    `json:"contact"`
	Expires     time.Time `json:"expires,omitempty"`
	ErrorRuns   int       `json:"error_runs,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
}

// Driver walks every managed domain from configured to valid certificate and
// keeps it there. One drive job per domain, persisted across restarts; one
// issuance attempt per domain in flight at most, drawn from a small worker
// pool. A reload hands the driver a fresh registry snapshot and triggers the
// challenge store sweep before the HTTP server takes traffic.
type Driver struct {
	cfg        *Config
	db         *database.Database
	challenges *ChallengeStore
	certs      *CertStore
	issuer     Issuer

	mtx       sync.Mutex
	reg       *Registry
	jobs      map[string]*database.DriveJob
	inflight  map[string]bool
	requested map[string]bool
	reloadSeq int

	workers      chan struct{}
	tickInterval time.Duration
	now          func() time.Time
	stopChan     chan struct{}
	stoppedChan  chan struct{}
}

const driveWorkers = 4

// Failure backoff starts at 5 seconds and doubles per consecutive error run,
// capped at one hour.
const (
	backoffBase = 5 * time.Second
	backoffMax  = time.Hour
)

// Non-retryable CA rejections (policy refusals and the like) go quiet for a
// day instead of hammering the CA.
const longBackoff = 24 * time.Hour

func NewDriver(cfg *Config, db *database.Database, challenges *ChallengeStore, certs *CertStore, issuer Issuer) *Driver {
	return &Driver{
		cfg:          cfg,
		db:           db,
		challenges:   challenges,
		certs:        certs,
		issuer:       issuer,
		jobs:         make(map[string]*database.DriveJob),
		inflight:     make(map[string]bool),
		requested:    make(map[string]bool),
		workers:      make(chan struct{}, driveWorkers),
		tickInterval: time.Duration(cfg.GetDriveInterval()) * time.Second,
		now:          time.Now,
		stopChan:     make(chan struct{}),
		stoppedChan:  make(chan struct{}),
	}
}

func backoffDelay(errorRuns int) time.Duration {
	if errorRuns < 1 {
		return backoffBase
	}
	d := backoffBase << uint(errorRuns-1)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	return d
}

// ReconcileOnReload installs a new registry snapshot, rebuilds the drive jobs
// and sweeps the challenge store. Serialized: the caller runs it once per
// reload, before serving challenge requests, so a CA validator can never see
// a directory mid-deletion for a domain that is still active. The sweep only
// considers this snapshot's active set.
func (d *Driver) ReconcileOnReload(reg *Registry) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.reg = reg
	d.reloadSeq++

	jobs := make(map[string]*database.DriveJob)
	for _, md := range reg.Mds() {
		job, err := d.db.GetJob(md.Name)
		if err != nil {
			log.Error("driver: failed to load job for '%s': %v", md.Name, err)
		}
		if job == nil {
			job = &database.DriveJob{Name: md.Name}
		}
		if job.ErrorRuns > 0 {
			// A previous life ended with this job erroring. Purge its
			// staging and challenge state so the next run starts clean
			// instead of resuming with stale tokens.
			log.Important("md(%s): previous drive job showed %d errors, resetting staging and challenge state", md.Name, job.ErrorRuns)
			d.certs.PurgeStaging(md.Name)
			d.challenges.Remove(md.Name)
			job.ErrorRuns = 0
			job.NextRun = 0
			job.LastMessage = ""
		}
		jobs[md.Name] = job
		if err := d.db.SaveJob(job); err != nil {
			log.Error("driver: failed to save job for '%s': %v", md.Name, err)
		}
	}

	// jobs of domains that left the configuration: drop the job record,
	// keep the certificates (an operator purge is the only way those go
	// away)
	if all, err := d.db.ListJobs(); err == nil {
		for _, job := range all {
			if _, ok := jobs[job.Name]; !ok {
				d.db.DeleteJob(job.Name)
			}
		}
	}
	d.jobs = jobs

	removed := d.challenges.Reconcile(reg.Names())
	if len(removed) > 0 {
		log.Info("driver: swept %d stale challenge entries: %s", len(removed), strings.Join(removed, ", "))
	}
}

func (d *Driver) Start() {
	go d.run()
}

func (d *Driver) Stop() {
	close(d.stopChan)
	<-d.stoppedChan
}

func (d *Driver) run() {
	defer close(d.stoppedChan)

	// Run immediately on start
	d.Tick()

	for {
		select {
		case <-time.After(d.nextWake()):
			d.Tick()
		case <-d.stopChan:
			return
		}
	}
}

// nextWake is the regular drive interval, shortened when a job's scheduled
// retry comes up earlier.
func (d *Driver) nextWake() time.Duration {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	wake := d.tickInterval
	now := d.now().Unix()
	for _, job := range d.jobs {
		if job.NextRun > 0 {
			if until := time.Duration(job.NextRun-now) * time.Second; until < wake {
				wake = until
			}
		}
	}
	if wake < time.Second {
		wake = time.Second
	}
	return wake
}

// Tick evaluates every managed domain once and launches issuance attempts
// where due.
func (d *Driver) Tick() {
	d.mtx.Lock()
	if d.reg == nil {
		d.mtx.Unlock()
		return
	}
	mds := d.reg.Mds()
	d.mtx.Unlock()

	for _, md := range mds {
		d.evaluate(md)
	}
	d.sendNotifications()
}

func (d *Driver) evaluate(md *ManagedDomain) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.inflight[md.Name] {
		return
	}
	job, ok := d.jobs[md.Name]
	if !ok {
		return
	}

	requested := d.requested[md.Name]
	if md.DriveMode == DRIVE_MANUAL && !requested {
		// manual mode never issues on its own, no matter how many passes
		// go by
		return
	}

	rec := d.certs.Get(md.Name)
	window := time.Duration(d.cfg.GetRenewWindowDays()) * 24 * time.Hour
	if !NeedsRenewal(rec, d.now(), window) && !requested {
		return
	}

	if !requested && job.NextRun > 0 && d.now().Unix() < job.NextRun {
		return
	}

	delete(d.requested, md.Name)
	d.inflight[md.Name] = true
	seq := d.reloadSeq
	go d.drive(md, seq)
}

// drive runs one issuance attempt for a domain. Failures stay contained to
// this domain; every other job keeps its own schedule.
func (d *Driver) drive(md *ManagedDomain, seq int) {
	d.workers <- struct{}{}
	defer func() { <-d.workers }()
	defer func() {
		d.mtx.Lock()
		delete(d.inflight, md.Name)
		d.mtx.Unlock()
	}()

	log.Info("md(%s): driving", md.Name)
	rec, err := d.issuer.Issue(md)

	d.mtx.Lock()
	active := seq == d.reloadSeq
	if active {
		_, active = d.reg.Get(md.Name)
	}
	job := d.jobs[md.Name]
	d.mtx.Unlock()

	if !active || job == nil {
		// the domain got removed or the registry changed under us; the
		// attempt ran to completion and its result is simply dropped.
		// The next reconcile pass cleans any directory it created.
		log.Info("md(%s): domain no longer active, discarding drive result", md.Name)
		return
	}

	if err == nil {
		err = d.certs.Put(md.Name, rec)
		var serr *StorageError
		if errors.As(err, &serr) {
			log.Error("md(%s): certificate could not be stored, previous certificate stays active: %v", md.Name, serr)
		}
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err != nil {
		job.ErrorRuns++
		delay := backoffDelay(job.ErrorRuns)
		var perr *ProtocolError
		if errors.As(err, &perr) {
			if perr.RetryAfter > 0 {
				delay = time.Duration(perr.RetryAfter) * time.Second
			} else if !perr.Retryable {
				delay = longBackoff
			}
		}
		job.NextRun = d.now().Add(delay).Unix()
		job.LastMessage = err.Error()
		job.Finished = false
		d.db.SaveJob(job)

		log.Error("md(%s): %v", md.Name, err)
		log.Info("md(%s): encountered error for the %d. time, next run in %s", md.Name, job.ErrorRuns, delay)
		if job.ErrorRuns >= d.cfg.GetWarnAfterFailures() {
			log.Warning("md(%s): %d consecutive failures, operator attention required (last: %s)", md.Name, job.ErrorRuns, job.LastMessage)
		}
		return
	}

	job.ErrorRuns = 0
	job.NextRun = 0
	job.Finished = true
	job.Notified = false
	job.ValidFrom = d.now().Unix()
	job.LastMessage = "certificate renewed, expires " + rec.ExpiresAt.Format(time.RFC3339)
	d.db.SaveJob(job)

	log.Success("md(%s): has been renewed successfully, certificate valid until %s", md.Name, rec.ExpiresAt.Format(time.RFC3339))
}

// Drive is the operator trigger: start an issuance attempt for a domain now,
// regardless of drive mode or schedule. This is how a 'manual' domain gets
// its certificate.
func (d *Driver) Drive(name string) error {
	name = strings.ToLower(name)

	d.mtx.Lock()
	if d.reg == nil {
		d.mtx.Unlock()
		return errors.New("no configuration loaded")
	}
	md, ok := d.reg.Get(name)
	if !ok {
		d.mtx.Unlock()
		return errors.New("managed domain '" + name + "' not found")
	}
	if d.inflight[name] {
		d.mtx.Unlock()
		return errors.New("managed domain '" + name + "' is already being driven")
	}
	d.requested[name] = true
	d.mtx.Unlock()

	d.evaluate(md)
	return nil
}

// RemoveJob drops the persisted drive job of a domain. Used when the operator
// removes the managed domain for good.
func (d *Driver) RemoveJob(name string) {
	name = strings.ToLower(name)
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.jobs, name)
	delete(d.requested, name)
	d.db.DeleteJob(name)
}

// sendNotifications runs the configured notify command once for all freshly
// renewed domains and marks them notified, so the admin hears about each
// renewal exactly once, restarts included.
func (d *Driver) sendNotifications() {
	d.mtx.Lock()
	var names []string
	now := d.now().Unix()
	for _, job := range d.jobs {
		if job.Finished && !job.Notified && now >= job.ValidFrom {
			names = append(names, job.Name)
		}
	}
	notifyCmd := d.cfg.GetNotifyCmd()
	d.mtx.Unlock()

	if len(names) == 0 {
		return
	}

	if notifyCmd != "" {
		args := append(strings.Fields(notifyCmd), names...)
		cmd := exec.Command(args[0], args[1:]...)
		if err := cmd.Run(); err != nil {
			log.Error("notify command '%s' failed: %v", notifyCmd, err)
			return
		}
		log.Debug("notify command '%s' ran for: %s", notifyCmd, strings.Join(names, " "))
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, name := range names {
		if job, ok := d.jobs[name]; ok {
			job.Notified = true
			d.db.SaveJob(job)
		}
	}
	log.Important("the managed domain(s) %s have been set up and will be served on the next reload", strings.Join(names, " "))
}

// DomainState reports the lifecycle state of one managed domain.
func (d *Driver) DomainState(name string) string {
	name = strings.ToLower(name)

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.reg == nil {
		return MD_STATE_UNKNOWN
	}
	if _, ok := d.reg.Get(name); !ok {
		return MD_STATE_UNKNOWN
	}
	if d.inflight[name] {
		return MD_STATE_ISSUING
	}
	rec := d.certs.Get(name)
	if rec == nil {
		return MD_STATE_NO_CERT
	}
	window := time.Duration(d.cfg.GetRenewWindowDays()) * 24 * time.Hour
	if NeedsRenewal(rec, d.now(), window) {
		return MD_STATE_RENEWAL_DUE
	}
	return MD_STATE_VALID
}

// Status returns one row per managed domain, configuration order.
func (d *Driver) Status() []DomainStatus {
	d.mtx.Lock()
	if d.reg == nil {
		d.mtx.Unlock()
		return nil
	}
	mds := d.reg.Mds()
	d.mtx.Unlock()

	var ret []DomainStatus
	for _, md := range mds {
		st := DomainStatus{
			Name:    md.Name,
			Mode:    md.DriveMode,
			Contact: md.Contact,
			State:   d.DomainState(md.Name),
		}
		if rec := d.certs.Get(md.Name); rec != nil {
			st.Expires = rec.ExpiresAt
		}
		d.mtx.Lock()
		if job, ok := d.jobs[md.Name]; ok {
			st.ErrorRuns = job.ErrorRuns
			st.LastMessage = job.LastMessage
			if job.NextRun > 0 {
				st.NextRun = time.Unix(job.NextRun, 0)
			}
		}
		d.mtx.Unlock()
		ret = append(ret, st)
	}
	return ret
}
