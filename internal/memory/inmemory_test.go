package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestInMemoryStoreAppendPreservesOrder(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i, role := range []Role{RoleUser, RoleAssistant, RoleUser} {
		if err := s.Append(ctx, TurnRecord{ContextID: "c1", Role: role, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.History(ctx, "c1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(got))
	}
	for i, r := range got {
		if r.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("History[%d].Content = %q, want m%d", i, r.Content, i)
		}
		if r.ID == "" || r.CreatedAt.IsZero() {
			t.Fatalf("History[%d] missing id/timestamp: %+v", i, r)
		}
	}
}

func TestInMemoryStoreAppendIsIdempotentByID(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	rec := TurnRecord{ID: "r1", ContextID: "c1", Role: RoleUser, Content: "hello"}

	_ = s.Append(ctx, rec)
	_ = s.Append(ctx, rec)

	got, _ := s.History(ctx, "c1")
	if len(got) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(got))
	}
}

func TestInMemoryStoreUnknownContextIsEmpty(t *testing.T) {
	got, err := NewInMemoryStore().History(context.Background(), "nope")
	if err != nil || len(got) != 0 {
		t.Fatalf("History(nope) = %v, %v; want empty, nil", got, err)
	}
}

func TestInMemoryStoreConcurrentAppends(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(c, i int) {
				defer wg.Done()
				_ = s.Append(ctx, TurnRecord{ContextID: fmt.Sprintf("c%d", c), Role: RoleUser, Content: "x"})
			}(c, i)
		}
	}
	wg.Wait()
	for c := 0; c < 4; c++ {
		got, _ := s.History(ctx, fmt.Sprintf("c%d", c))
		if len(got) != 50 {
			t.Fatalf("context c%d has %d records, want 50", c, len(got))
		}
	}
}

func TestInMemoryStoreBatchIsAllOrNothing(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	err := s.Append(ctx,
		TurnRecord{ContextID: "c1", Role: RoleUser, Content: "question"},
		TurnRecord{ContextID: "c2", Role: RoleAssistant, Content: "answer"},
	)
	if !errors.Is(err, ErrMixedContexts) {
		t.Fatalf("Append() error = %v, want ErrMixedContexts", err)
	}
	for _, id := range []string{"c1", "c2"} {
		if got, _ := s.History(ctx, id); len(got) != 0 {
			t.Fatalf("History(%s) = %+v, want nothing stored", id, got)
		}
	}
}

func TestInMemoryStoreReadersNeverSeeHalfATurn(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			got, _ := s.History(ctx, "c1")
			if len(got)%2 != 0 {
				t.Errorf("History has %d records, want whole turns only", len(got))
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		_ = s.Append(ctx,
			TurnRecord{ContextID: "c1", Role: RoleUser, Content: "q"},
			TurnRecord{ContextID: "c1", Role: RoleAssistant, Content: "a"},
		)
	}
	close(done)
	wg.Wait()
}
