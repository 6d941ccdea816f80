package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"regpay/backend/internal/models"
	"regpay/backend/internal/pelecard"
	"regpay/backend/internal/sumit"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]models.Registration
	claims  map[string]struct{}
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]models.Registration),
		claims:  make(map[string]struct{}),
	}
}

func (s *memStore) GetRegistration(ctx context.Context, regID string) (models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[regID], nil
}

func (s *memStore) PutRegistration(ctx context.Context, regID string, record models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[regID] = record
	return nil
}

func (s *memStore) ClaimInvoice(ctx context.Context, transactionID, regID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[transactionID]; ok {
		return false, nil
	}
	s.claims[transactionID] = struct{}{}
	return true, nil
}

type fakeInvoicer struct {
	mu    sync.Mutex
	calls int
	doc   sumit.Document
	err   error
}

func (f *fakeInvoicer) CreateDocument(ctx context.Context, in sumit.CreateDocumentRequest) (sumit.Document, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.doc, nil, f.err
}

func (f *fakeInvoicer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	rd  pelecard.ResultData
	err error
}

func (f *fakeFetcher) GetTransaction(ctx context.Context, transactionID string) (pelecard.ResultData, []byte, error) {
	return f.rd, nil, f.err
}

func newTestReconciler(store Store, gateway TransactionFetcher, invoicing DocumentCreator) *Reconciler {
	return New(store, gateway, invoicing, Config{
		FallbackEmail: "office@example.org",
		WaitTimeout:   150 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}, nil)
}

func TestProcessSettlesApprovedNotification(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.records["R1"] = models.Registration{CustomerName: "Dana", CustomerEmail: "dana@example.org"}
	invoicer := &fakeInvoicer{doc: sumit.Document{DocumentDownloadURL: "https://x/doc"}}
	rec := newTestReconciler(store, nil, invoicer)

	out, err := rec.Process(context.Background(), pelecard.ResultData{
		ParamX:          "R1",
		TransactionID:   "T1",
		ShvaResult:      "000",
		FreeTotalAmount: "99.00",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Skipped {
		t.Fatalf("unexpected skip: %s", out.Reason)
	}
	if out.Amount != 99 || !out.Invoiced {
		t.Fatalf("unexpected outcome: %#v", out)
	}

	record := store.records["R1"]
	if record.PaidAmount != 99 {
		t.Fatalf("paidAmount = %v, want 99", record.PaidAmount)
	}
	if record.ReceiptURL != "https://x/doc" {
		t.Fatalf("receiptUrl = %q, want https://x/doc", record.ReceiptURL)
	}
	if record.CustomerName != "Dana" {
		t.Fatalf("customer metadata lost: %#v", record)
	}
}

func TestProcessApprovalGating(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rd   pelecard.ResultData
	}{
		{name: "missing shva result", rd: pelecard.ResultData{ParamX: "R1", TransactionID: "T1", FreeTotalAmount: "99.00"}},
		{name: "declined", rd: pelecard.ResultData{ParamX: "R1", TransactionID: "T1", ShvaResult: "001", FreeTotalAmount: "99.00"}},
		{name: "missing transaction id", rd: pelecard.ResultData{ParamX: "R1", ShvaResult: "000", FreeTotalAmount: "99.00"}},
		{name: "missing registration id", rd: pelecard.ResultData{TransactionID: "T1", ShvaResult: "000", FreeTotalAmount: "99.00"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := newMemStore()
			invoicer := &fakeInvoicer{doc: sumit.Document{DocumentDownloadURL: "https://x/doc"}}
			rec := newTestReconciler(store, nil, invoicer)

			out, err := rec.Process(context.Background(), tc.rd)
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if !out.Skipped {
				t.Fatalf("expected skip, got %#v", out)
			}
			if invoicer.callCount() != 0 {
				t.Fatalf("invoicing must not be called")
			}
			if record := store.records["R1"]; record.PaidAmount != 0 {
				t.Fatalf("paidAmount must not be written: %#v", record)
			}
		})
	}
}

func TestProcessDuplicateDeliveryInvoicesOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	invoicer := &fakeInvoicer{doc: sumit.Document{DocumentDownloadURL: "https://x/doc"}}
	rec := newTestReconciler(store, nil, invoicer)

	rd := pelecard.ResultData{ParamX: "R1", TransactionID: "T1", ShvaResult: "000", DebitTotal: "9900"}
	for i := 0; i < 3; i++ {
		if _, err := rec.Process(context.Background(), rd); err != nil {
			t.Fatalf("process #%d: %v", i, err)
		}
	}

	if got := invoicer.callCount(); got != 1 {
		t.Fatalf("invoice calls = %d, want 1", got)
	}
	if record := store.records["R1"]; record.PaidAmount != 99 {
		t.Fatalf("paidAmount = %v, want 99", record.PaidAmount)
	}
}

func TestProcessInvoicingFailureStillPersistsAmount(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	invoicer := &fakeInvoicer{err: errors.New("sumit is down")}
	rec := newTestReconciler(store, nil, invoicer)

	out, err := rec.Process(context.Background(), pelecard.ResultData{
		ParamX:        "R1",
		TransactionID: "T1",
		ShvaResult:    "000",
		DebitTotal:    "3200",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Skipped || out.Invoiced {
		t.Fatalf("unexpected outcome: %#v", out)
	}

	record := store.records["R1"]
	if record.PaidAmount != 32 {
		t.Fatalf("paidAmount = %v, want 32", record.PaidAmount)
	}
	if record.ReceiptURL != "" {
		t.Fatalf("receiptUrl must stay empty on invoicing failure")
	}
}

func TestProcessRefetchesThinEnvelope(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	invoicer := &fakeInvoicer{doc: sumit.Document{DocumentDownloadURL: "https://x/doc"}}
	fetcher := &fakeFetcher{rd: pelecard.ResultData{
		TransactionID:    "T1",
		ShvaResult:       "000",
		ParamX:           "R1",
		DebitTotal:       "15000",
		TotalPayments:    "3",
		CreditCardNumber: "4580********1234",
	}}
	rec := newTestReconciler(store, fetcher, invoicer)

	// Thin envelope: approved, correlated, but without amount fields.
	out, err := rec.Process(context.Background(), pelecard.ResultData{
		ParamX:        "R1",
		TransactionID: "T1",
		ShvaResult:    "000",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Amount != 150 || out.Payments != 3 || out.Last4 != "1234" {
		t.Fatalf("authoritative record not used: %#v", out)
	}
}

func TestRecoverSettlesWithoutWebhook(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	invoicer := &fakeInvoicer{doc: sumit.Document{DocumentDownloadURL: "https://x/doc"}}
	fetcher := &fakeFetcher{rd: pelecard.ResultData{
		TransactionID: "T7",
		ShvaResult:    "000",
		ParamX:        "R7",
		DebitTotal:    "7700",
	}}
	rec := newTestReconciler(store, fetcher, invoicer)

	out, err := rec.Recover(context.Background(), "R7", "T7")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Skipped || out.Amount != 77 {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	if record := store.records["R7"]; record.PaidAmount != 77 || record.ReceiptURL != "https://x/doc" {
		t.Fatalf("record not settled: %#v", record)
	}
}

func TestRecoverDoesNotDuplicateWebhookInvoice(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	invoicer := &fakeInvoicer{doc: sumit.Document{DocumentDownloadURL: "https://x/doc"}}
	fetcher := &fakeFetcher{rd: pelecard.ResultData{
		TransactionID: "T1",
		ShvaResult:    "000",
		ParamX:        "R1",
		DebitTotal:    "9900",
	}}
	rec := newTestReconciler(store, fetcher, invoicer)

	if _, err := rec.Process(context.Background(), fetcher.rd); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := rec.Recover(context.Background(), "R1", "T1"); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := invoicer.callCount(); got != 1 {
		t.Fatalf("invoice calls = %d, want 1", got)
	}
}

func TestWaitForAmountObservesConcurrentWrite(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	rec := newTestReconciler(store, nil, &fakeInvoicer{})

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = store.PutRegistration(context.Background(), "R1", models.Registration{PaidAmount: 99, ReceiptURL: "https://x/doc"})
	}()

	record, converged := rec.WaitForAmount(context.Background(), "R1")
	if !converged {
		t.Fatalf("expected convergence")
	}
	if record.PaidAmount != 99 || record.ReceiptURL != "https://x/doc" {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestWaitForAmountIsBounded(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	rec := newTestReconciler(store, nil, &fakeInvoicer{})

	start := time.Now()
	record, converged := rec.WaitForAmount(context.Background(), "never-paid")
	elapsed := time.Since(start)

	if converged {
		t.Fatalf("unexpected convergence for empty store")
	}
	if record.PaidAmount != 0 {
		t.Fatalf("unexpected record: %#v", record)
	}
	if elapsed > time.Second {
		t.Fatalf("wait took %v, must stay near the 150ms budget", elapsed)
	}
}

func TestWaitForAmountHonorsContextCancel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	rec := newTestReconciler(store, nil, &fakeInvoicer{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, converged := rec.WaitForAmount(ctx, "never-paid")
	if converged {
		t.Fatalf("unexpected convergence")
	}
	if elapsed := time.Since(start); elapsed > 120*time.Millisecond {
		t.Fatalf("cancel should cut the wait short, took %v", elapsed)
	}
}
