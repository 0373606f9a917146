package common

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// AssertExclusiveClaims queues jobs, lets several claimers race for them and
// fails if any job is handed out twice or left behind.
func AssertExclusiveClaims(t *testing.T, db *sql.DB, jobs, claimers int) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewDeliveryJobRepository(db, core.NewRealClock())
	for i := 0; i < jobs; i++ {
		if _, err := repo.Save(ctx, &domain.DeliveryJob{TenantID: 1, ConversationID: 1, ChatMessageID: int64(i + 1)}); err != nil {
			t.Fatalf("save job: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for c := 0; c < claimers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				now := time.Now().UTC()
				claimed, err := repo.ClaimBatch(ctx, repository.ClaimParams{Limit: 3, MaxRetries: 5, Now: now, StaleBefore: now.Add(-5 * time.Minute)})
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("Expected %d distinct jobs claimed, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Expected job %d claimed once, got %d", id, n)
		}
	}
}
