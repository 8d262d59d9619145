package clustersync

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeService struct {
	id uint16

	mu         sync.Mutex
	calls      []string
	processAt  int // number of Process() calls before reporting done
	processErr error
	initErr    error

	// gate, when non-nil, holds every Process call until Abort closes it.
	gate       chan struct{}
	gateClosed bool
}

func (f *fakeService) ServiceID() uint16 { return f.id }

func (f *fakeService) Init(view []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "init")
	return f.initErr
}

func (f *fakeService) Process() (bool, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "process")
	if f.processErr != nil {
		return false, f.processErr
	}
	if f.processAt > 0 {
		f.processAt--
		return false, nil
	}
	return true, nil
}

func (f *fakeService) Activate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "activate")
	return nil
}

func (f *fakeService) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "abort")
	if f.gate != nil && !f.gateClosed {
		close(f.gate)
		f.gateClosed = true
	}
}

func (f *fakeService) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestStartSyncRunsInServiceIDOrder(t *testing.T) {
	var order []uint16
	var mu sync.Mutex
	record := func(id uint16) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	d := New()
	for _, id := range []uint16{5, 1, 3} {
		id := id
		d.Register(&trackingService{fakeService: fakeService{id: id}, onInit: func() { record(id) }})
	}

	d.StartSync([]uint32{1, 2, 3})

	if len(order) != 3 || order[0] != 1 || order[1] != 3 || order[2] != 5 {
		t.Fatalf("init order = %v, want [1 3 5]", order)
	}
}

type trackingService struct {
	fakeService
	onInit func()
}

func (t *trackingService) Init(view []uint32) error {
	if t.onInit != nil {
		t.onInit()
	}
	return t.fakeService.Init(view)
}

func TestStartSyncDrivesProcessUntilDone(t *testing.T) {
	d := New()
	svc := &fakeService{id: 1, processAt: 3}
	d.Register(svc)

	d.StartSync(nil)

	calls := svc.callLog()
	processCount := 0
	for _, c := range calls {
		if c == "process" {
			processCount++
		}
	}
	if processCount != 4 {
		t.Fatalf("expected 4 Process() calls (3 PROGRESS + 1 done), got %d: %v", processCount, calls)
	}
	if calls[len(calls)-1] != "activate" {
		t.Fatalf("expected Activate as last call, got %v", calls)
	}
}

func TestInitFailureAbortsRound(t *testing.T) {
	d := New()
	svc := &fakeService{id: 1, initErr: errors.New("boom")}
	d.Register(svc)

	d.StartSync(nil)

	if d.InProgress() {
		t.Fatal("expected round to be aborted, not in progress")
	}
}

func TestOnPrimaryFormedFalseAbortsInProgressRound(t *testing.T) {
	d := New()
	svc := &fakeService{id: 1, processAt: 100, gate: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		d.Register(svc)
		d.StartSync(nil)
		close(done)
	}()

	// Wait for the round to start (Process is held on the gate), then
	// report loss of primary.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !d.InProgress() {
		time.Sleep(time.Millisecond)
	}
	d.OnPrimaryFormed(false, nil)
	<-done

	calls := svc.callLog()
	found := false
	for _, c := range calls {
		if c == "abort" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Abort() to be called on the service, got %v", calls)
	}
}

func TestRegisterCheckedRejectsDuplicateID(t *testing.T) {
	d := New()
	if err := d.RegisterChecked(&fakeService{id: 1}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := d.RegisterChecked(&fakeService{id: 1}); err == nil {
		t.Fatal("expected duplicate service id error")
	}
}
