package database

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/buntdb"
)

// DriveJob is the persisted state of one managed domain's drive job. It has
// to survive restarts: error runs decide backoff and staging resets, and the
// notified flag keeps us from telling the admin twice.
type DriveJob struct {
	Name        string `json:"name"`
	ErrorRuns   int    `json:"error_runs"`
	NextRun     int64  `json:"next_run"`
	Finished    bool   `json:"finished"`
	ValidFrom   int64  `json:"valid_from"`
	LastMessage string `json:"last_message"`
	Notified    bool   `json:"notified"`
}

const tableJobs = "jobs"

func (d *Database) jobsInit() {
	d.db.CreateIndex(tableJobs+"_name", d.genIndex(tableJobs, "*"), buntdb.IndexJSON("name"))
}

// SaveJob upserts a drive job record keyed by domain name.
func (d *Database) SaveJob(job *DriveJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(d.genIndex(tableJobs, job.Name), string(data), nil)
		return err
	})
}

// GetJob loads a drive job by domain name. Returns nil when none is stored.
func (d *Database) GetJob(name string) (*DriveJob, error) {
	var job *DriveJob
	err := d.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(d.genIndex(tableJobs, name))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		j := &DriveJob{}
		if err := json.Unmarshal([]byte(val), j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all stored drive jobs.
func (d *Database) ListJobs() ([]*DriveJob, error) {
	var jobs []*DriveJob
	prefix := d.genIndex(tableJobs, "")
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, val string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			j := &DriveJob{}
			if err := json.Unmarshal([]byte(val), j); err == nil {
				jobs = append(jobs, j)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes a drive job record. Missing records are not an error.
func (d *Database) DeleteJob(name string) error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(d.genIndex(tableJobs, name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}
