package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
)

// fakeFeed serves records in fixed-size pages from memory
type fakeFeed struct {
	records  []legacy.StatusRecord
	pageSize int
	fetches  int
	failures int
}

func (f *fakeFeed) FetchPage(ctx context.Context, cursor string, limit int) (*legacy.Page, error) {
	f.fetches++
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("connection reset")
	}

	start := 0
	if cursor != "" {
		for i, r := range f.records {
			if r.PatientKey == cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + f.pageSize
	if end > len(f.records) {
		end = len(f.records)
	}

	page := &legacy.Page{Records: f.records[start:end]}
	if end < len(f.records) {
		page.Cursor = f.records[end-1].PatientKey
	}
	return page, nil
}

func (f *fakeFeed) SourceSystem() string                { return "fake" }
func (f *fakeFeed) Start(ctx context.Context) error     { return nil }
func (f *fakeFeed) Stop(ctx context.Context) error      { return nil }
func (f *fakeFeed) Health(ctx context.Context) error    { return nil }

// TestBatchRun tests a full batch over several pages with a failing
// record in the middle
func TestBatchRun(t *testing.T) {
	svc, engine, _ := newTestService()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		createPatient(t, engine, fmt.Sprintf("MRN-%03d", i))
	}

	feed := &fakeFeed{
		pageSize: 2,
		records: []legacy.StatusRecord{
			{PatientKey: "MRN-001", DeclaredStatus: "inpatient"},
			{PatientKey: "MRN-002", DeclaredStatus: "outpatient"}, // already matches
			{PatientKey: "MRN-003", DeclaredStatus: "emergency"},
			{PatientKey: "MRN-999", DeclaredStatus: "inpatient"}, // unknown patient
			{PatientKey: "MRN-004", DeclaredStatus: "deceased"},
			{PatientKey: "MRN-005", DeclaredStatus: "observation"}, // unmapped
		},
	}

	summary, err := NewBatch(svc, feed, 2, 0).Run(ctx, "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if summary.Processed != 6 {
		t.Errorf("Expected 6 processed, got %d", summary.Processed)
	}
	if summary.Reconciled != 3 {
		t.Errorf("Expected 3 reconciled, got %d", summary.Reconciled)
	}
	if summary.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", summary.Skipped)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", summary.Failed)
	}
	if summary.EpisodesOpened != 2 {
		t.Errorf("Expected 2 episodes opened, got %d", summary.EpisodesOpened)
	}
}

// TestBatchRetriesFetch tests per-chunk retry of the fetch step
func TestBatchRetriesFetch(t *testing.T) {
	svc, engine, _ := newTestService()
	createPatient(t, engine, "MRN-001")

	feed := &fakeFeed{
		pageSize: 10,
		failures: 2,
		records: []legacy.StatusRecord{
			{PatientKey: "MRN-001", DeclaredStatus: "inpatient"},
		},
	}

	summary, err := NewBatch(svc, feed, 10, 0).Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Expected no error after retries, got %v", err)
	}
	if summary.Reconciled != 1 {
		t.Errorf("Expected 1 reconciled, got %d", summary.Reconciled)
	}
	if feed.fetches < 3 {
		t.Errorf("Expected at least 3 fetch attempts, got %d", feed.fetches)
	}
}

// TestBatchResume tests resuming from a cursor
func TestBatchResume(t *testing.T) {
	svc, engine, _ := newTestService()
	ctx := context.Background()

	createPatient(t, engine, "MRN-001")
	createPatient(t, engine, "MRN-002")

	feed := &fakeFeed{
		pageSize: 10,
		records: []legacy.StatusRecord{
			{PatientKey: "MRN-001", DeclaredStatus: "inpatient"},
			{PatientKey: "MRN-002", DeclaredStatus: "inpatient"},
		},
	}

	summary, err := NewBatch(svc, feed, 10, 0).Run(ctx, "MRN-001")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("Expected 1 processed after resume, got %d", summary.Processed)
	}
}
