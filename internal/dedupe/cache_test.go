// ABOUTME: Tests for the retry dedupe cache: TTL expiry, size cap
// ABOUTME: eviction order and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_FirstMarkPasses(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	key := SendKey("p1", "agt_a", "cli-1")
	assert.False(t, c.Seen(key))
	assert.True(t, c.Seen(key))
}

func TestSeen_KeysAreIndependent(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen(SendKey("p1", "agt_a", "cli-1")))
	// Same client id from another sender is a different send.
	assert.False(t, c.Seen(SendKey("p1", "agt_b", "cli-1")))
	assert.False(t, c.Seen(SendKey("p2", "agt_a", "cli-1")))
}

func TestSeen_ExpiredKeyPassesAgain(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	key := SendKey("p1", "agt_a", "cli-1")
	assert.False(t, c.Seen(key))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.Seen(key))
}

func TestSeen_CapEvictsOldest(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	assert.False(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
	assert.False(t, c.Seen("c")) // evicts a

	assert.False(t, c.Seen("a")) // a was evicted, admitted fresh
	assert.True(t, c.Seen("c"))  // c survived
}

func TestSeen_RemarkLeavesLiveEntryAlone(t *testing.T) {
	c := New(20*time.Millisecond, 2)
	defer c.Close()

	assert.False(t, c.Seen("a"))
	time.Sleep(30 * time.Millisecond)
	// a expired; re-marking leaves a stale queue entry behind it.
	assert.False(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
	// Admitting c must evict via the stale entry's key once, dropping a,
	// and must not touch b.
	assert.False(t, c.Seen("c"))
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
}

func TestExpire_CompactsQueue(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Seen(fmt.Sprintf("k%d", i))
	}
	time.Sleep(30 * time.Millisecond)
	c.expire(time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.seen)
	assert.Empty(t, c.queue)
}

func TestSeen_ConcurrentRetriesAdmitOne(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	const workers = 16
	var wg sync.WaitGroup
	admitted := make(chan struct{}, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("retry-key") {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)
	assert.Len(t, admitted, 1)
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
