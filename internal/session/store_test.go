package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agent-racer/conductor/internal/participant"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	if s == nil {
		t.Fatal("NewStore() returned nil")
	}
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("new store ActiveCount() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	st, ok := s.Get("nonexistent")
	if ok {
		t.Error("Get for missing key returned ok=true")
	}
	if st != nil {
		t.Error("Get for missing key returned non-nil state")
	}
}

func TestUpdateAndGet(t *testing.T) {
	s := NewStore()
	s.Update(&State{ID: "a", AppID: "trivia", Lifecycle: Live})

	st, ok := s.Get("a")
	if !ok {
		t.Fatal("Get returned ok=false after Update")
	}
	if st.ID != "a" || st.AppID != "trivia" || st.Lifecycle != Live {
		t.Errorf("Get returned unexpected state: %+v", st)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update(&State{ID: "a", Phase: "live"})

	got, _ := s.Get("a")
	got.Phase = "mutated"

	got2, _ := s.Get("a")
	if got2.Phase != "live" {
		t.Error("Get did not return a copy; mutation leaked into store")
	}
}

func TestUpdateStoresCopy(t *testing.T) {
	s := NewStore()
	st := &State{ID: "a", Phase: "live"}
	s.Update(st)
	st.Phase = "mutated"

	got, _ := s.Get("a")
	if got.Phase != "live" {
		t.Error("Update did not store a copy; caller mutation leaked into store")
	}
}

func TestSlotAssignment(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		s.Update(&State{ID: fmt.Sprintf("s%d", i)})
	}
	for i := 0; i < 3; i++ {
		got, _ := s.Get(fmt.Sprintf("s%d", i))
		if got.Slot != i {
			t.Errorf("s%d slot = %d, want %d", i, got.Slot, i)
		}
	}
}

func TestSlotPreservedOnUpdate(t *testing.T) {
	s := NewStore()
	s.Update(&State{ID: "a"})
	s.Update(&State{ID: "b"})
	s.Update(&State{ID: "a", Phase: "live", Slot: 99})

	got, _ := s.Get("a")
	if got.Slot != 0 {
		t.Errorf("slot changed on update: got %d, want 0", got.Slot)
	}
}

func TestGetAllOrderedBySlot(t *testing.T) {
	s := NewStore()
	ids := []string{"z", "m", "a"}
	for _, id := range ids {
		s.Update(&State{ID: id})
	}
	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll returned %d sessions, want 3", len(all))
	}
	for i, st := range all {
		if st.ID != ids[i] {
			t.Errorf("GetAll()[%d] = %s, want %s", i, st.ID, ids[i])
		}
	}
}

func TestGetAllReturnsCopyOfParticipants(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Update(&State{
		ID:             "a",
		WindowDeadline: &now,
		Participants:   []participant.Participant{{ID: "p1", Name: "Ann"}},
	})

	all := s.GetAll()
	all[0].Participants[0].Name = "mutated"
	*all[0].WindowDeadline = now.Add(time.Hour)

	got, _ := s.Get("a")
	if got.Participants[0].Name != "Ann" {
		t.Error("GetAll leaked participant slice into store")
	}
	if !got.WindowDeadline.Equal(now) {
		t.Error("GetAll leaked WindowDeadline pointer into store")
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Update(&State{ID: "a"})
	s.Remove("a")
	if _, ok := s.Get("a"); ok {
		t.Error("Get after Remove returned ok=true")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Remove, want 0", s.Len())
	}
}

func TestRemoveNonexistent(t *testing.T) {
	s := NewStore()
	s.Remove("nonexistent")
}

func TestActiveCount(t *testing.T) {
	tests := []struct {
		state  State
		active bool
	}{
		{State{Lifecycle: Created}, true},
		{State{Lifecycle: Announce}, true},
		{State{Lifecycle: Live}, true},
		{State{Lifecycle: Closing}, true},
		{State{Lifecycle: Closed}, false},
		{State{Lifecycle: Canceled}, false},
		{State{Lifecycle: Live, Done: true}, false},
	}

	s := NewStore()
	want := 0
	for i, tt := range tests {
		st := tt.state
		st.ID = fmt.Sprintf("s%d", i)
		s.Update(&st)
		if tt.active {
			want++
		}
	}
	if got := s.ActiveCount(); got != want {
		t.Errorf("ActiveCount() = %d, want %d", got, want)
	}
}

func TestActiveCountAfterTransition(t *testing.T) {
	s := NewStore()
	s.Update(&State{ID: "a", Lifecycle: Live})
	s.Update(&State{ID: "a", Lifecycle: Closed})
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d after close, want 0", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	const goroutines = 50

	for i := 0; i < goroutines; i++ {
		wg.Add(3)
		id := fmt.Sprintf("s%d", i)

		go func() {
			defer wg.Done()
			s.Update(&State{ID: id, Lifecycle: Live})
			s.Update(&State{ID: id, Lifecycle: Closed})
		}()

		go func() {
			defer wg.Done()
			s.Get(id)
			s.GetAll()
			s.ActiveCount()
		}()

		go func() {
			defer wg.Done()
			s.Remove(id)
		}()
	}

	wg.Wait()
}

func TestUpdateAndNotify(t *testing.T) {
	s := NewStore()
	notified := false
	s.UpdateAndNotify(&State{ID: "a", Phase: "live"}, func() {
		notified = true
	})
	if !notified {
		t.Error("UpdateAndNotify did not call notify callback")
	}
	got, ok := s.Get("a")
	if !ok || got.Phase != "live" {
		t.Errorf("UpdateAndNotify did not store session: ok=%v, state=%+v", ok, got)
	}
}

func TestUpdateAndNotifyNilCallback(t *testing.T) {
	s := NewStore()
	s.UpdateAndNotify(&State{ID: "a"}, nil)
	if _, ok := s.Get("a"); !ok {
		t.Error("UpdateAndNotify with nil callback did not store session")
	}
}

func TestBatchRemoveAndNotify(t *testing.T) {
	s := NewStore()
	s.Update(&State{ID: "a"})
	s.Update(&State{ID: "b"})
	s.Update(&State{ID: "c"})

	notified := false
	s.BatchRemoveAndNotify([]string{"a", "b"}, func() {
		notified = true
	})
	if !notified {
		t.Error("BatchRemoveAndNotify did not call notify callback")
	}
	if _, ok := s.Get("a"); ok {
		t.Error("BatchRemoveAndNotify did not remove session a")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("BatchRemoveAndNotify incorrectly removed session c")
	}
}

func TestAtomicUpdateBlocksGetAll(t *testing.T) {
	s := NewStore()

	callbackStarted := make(chan struct{})
	callbackDone := make(chan struct{})
	getAllDone := make(chan struct{})

	go func() {
		s.UpdateAndNotify(&State{ID: "x"}, func() {
			close(callbackStarted)
			<-callbackDone
		})
	}()

	go func() {
		<-callbackStarted
		s.GetAll()
		close(getAllDone)
	}()

	<-callbackStarted
	select {
	case <-getAllDone:
		t.Error("GetAll completed while UpdateAndNotify callback was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(callbackDone)
	<-getAllDone
}
