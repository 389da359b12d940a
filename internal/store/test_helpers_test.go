package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/steward/internal/model"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustTx runs fn in a transaction and fails the test on error.
func mustTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

func createTestUser(t *testing.T, s *Store, email string) *model.User {
	t.Helper()
	u := &model.User{
		UID:       model.NewUID(),
		Email:     email,
		FullName:  "Test User",
		IsActive:  true,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	mustTx(t, s, func(tx *Tx) error { return tx.InsertUser(context.Background(), u) })
	return u
}

func createTestWorkflow(t *testing.T, s *Store, userID int64) *model.Workflow {
	t.Helper()
	w := &model.Workflow{
		UID:    model.NewUID(),
		UserID: userID,
		Name:   "invoice sync",
		Steps: model.NewStepList(
			model.StepDefinition{Name: "fetch", Type: "http"},
			model.StepDefinition{Name: "post", Type: "ledger", Risk: model.RiskHigh},
		),
		RiskLevel: model.RiskLow,
		IsActive:  true,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	mustTx(t, s, func(tx *Tx) error { return tx.InsertWorkflow(context.Background(), w) })
	return w
}

func createTestExecution(t *testing.T, s *Store, w *model.Workflow, status model.ExecutionStatus) *model.Execution {
	t.Helper()
	e := &model.Execution{
		UID:        model.NewUID(),
		WorkflowID: w.ID,
		UserID:     w.UserID,
		Status:     status,
		Input:      map[string]any{"invoice": "INV-1"},
		TotalSteps: w.Steps.Len(),
		StepLog:    model.NewStepLog(),
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	mustTx(t, s, func(tx *Tx) error { return tx.InsertExecution(context.Background(), e) })
	return e
}
