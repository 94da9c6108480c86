package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SerializesSameKey(t *testing.T) {
	table := NewTable()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("person/2025-01-06")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestLock_EntryRemovedAfterRelease(t *testing.T) {
	table := NewTable()

	unlock := table.Lock("a")
	table.mu.Lock()
	assert.Len(t, table.entries, 1)
	table.mu.Unlock()

	unlock()
	table.mu.Lock()
	assert.Empty(t, table.entries, "released entries must not accumulate")
	table.mu.Unlock()
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	table := NewTable()

	unlockA := table.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := table.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockPair_OppositeOrderDoesNotDeadlock(t *testing.T) {
	table := NewTable()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := table.LockPair("x", "y")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := table.LockPair("y", "x")
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock pair deadlocked")
	}
}

func TestLockPair_SameKeyLocksOnce(t *testing.T) {
	table := NewTable()

	unlock := table.LockPair("same", "same")
	table.mu.Lock()
	require.Len(t, table.entries, 1)
	assert.Equal(t, 1, table.entries["same"].refs)
	table.mu.Unlock()
	unlock()

	table.mu.Lock()
	assert.Empty(t, table.entries)
	table.mu.Unlock()
}

func TestPersonDateKey(t *testing.T) {
	personID := uuid.New()
	date := time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)

	key := PersonDateKey(personID, date)
	assert.Equal(t, personID.String()+"/2025-01-06", key)
}
