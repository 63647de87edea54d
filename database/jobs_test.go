package database

import (
	"path/filepath"
	"testing"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	d, err := NewDatabase(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestJobSaveGet(t *testing.T) {
	d := newTestDatabase(t)

	job := &DriveJob{
		Name:        "example.com",
		ErrorRuns:   2,
		NextRun:     1700000000,
		LastMessage: "rate limited",
	}
	if err := d.SaveJob(job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	got, err := d.GetJob("example.com")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil for stored job")
	}
	if got.ErrorRuns != 2 || got.NextRun != 1700000000 || got.LastMessage != "rate limited" {
		t.Errorf("GetJob = %+v", got)
	}

	// upsert replaces
	job.ErrorRuns = 0
	job.Finished = true
	job.Notified = true
	if err := d.SaveJob(job); err != nil {
		t.Fatalf("SaveJob update: %v", err)
	}
	got, _ = d.GetJob("example.com")
	if got.ErrorRuns != 0 || !got.Finished || !got.Notified {
		t.Errorf("GetJob after update = %+v", got)
	}
}

func TestJobGetMissing(t *testing.T) {
	d := newTestDatabase(t)
	job, err := d.GetJob("nosuch.example.com")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job != nil {
		t.Errorf("GetJob = %+v, want nil", job)
	}
}

func TestJobList(t *testing.T) {
	d := newTestDatabase(t)
	for _, name := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if err := d.SaveJob(&DriveJob{Name: name}); err != nil {
			t.Fatalf("SaveJob(%s): %v", name, err)
		}
	}

	jobs, err := d.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("ListJobs len = %d, want 3", len(jobs))
	}
	seen := make(map[string]bool)
	for _, j := range jobs {
		seen[j.Name] = true
	}
	for _, name := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if !seen[name] {
			t.Errorf("ListJobs missing %s", name)
		}
	}
}

func TestJobDelete(t *testing.T) {
	d := newTestDatabase(t)
	d.SaveJob(&DriveJob{Name: "example.com"})

	if err := d.DeleteJob("example.com"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if job, _ := d.GetJob("example.com"); job != nil {
		t.Errorf("GetJob after delete = %+v", job)
	}
	// deleting a missing record is fine
	if err := d.DeleteJob("example.com"); err != nil {
		t.Errorf("DeleteJob twice: %v", err)
	}
}

func TestJobsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	d, err := NewDatabase(path)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	d.SaveJob(&DriveJob{Name: "example.com", ErrorRuns: 1, LastMessage: "boom"})
	d.Close()

	d, err = NewDatabase(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	job, err := d.GetJob("example.com")
	if err != nil || job == nil {
		t.Fatalf("GetJob after reopen = %v, %v", job, err)
	}
	if job.ErrorRuns != 1 || job.LastMessage != "boom" {
		t.Errorf("job after reopen = %+v", job)
	}
}
