package publisher

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedEvents(n int, topic string) []FeedEvent {
	events := make([]FeedEvent, n)
	for i := 0; i < n; i++ {
		events[i] = FeedEvent{
			Change:   ChangeDispatched,
			EventID:  fmt.Sprintf("event-%d", i+1),
			Topic:    topic,
			Sender:   "ftrack",
			Status:   "pending",
			CommitTS: int64(1000 * (i + 1)),
			NodeID:   1,
		}
	}
	return events
}

func openTestLog(t testing.TB, dir string) *FeedLog {
	t.Helper()
	fl, err := OpenFeedLog(dir)
	require.NoError(t, err)
	return fl
}

func seqs(events []FeedEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.SeqNum
	}
	return out
}

func TestOpenFeedLog(t *testing.T) {
	dir := t.TempDir()
	fl := openTestLog(t, dir)
	defer fl.Close()

	assert.Equal(t, filepath.Join(dir, "feed_log"), fl.dir)
	assert.Zero(t, fl.LastSeq())

	events, err := fl.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// a regular file cannot hold the log directory, whatever the permissions
	notDir := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o644))
	_, err = OpenFeedLog(notDir)
	assert.Error(t, err)
}

func TestFeedLog_AppendAssignsSequence(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	defer fl.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := []FeedEvent{
		{
			Change:    ChangeDispatched,
			EventID:   "e1",
			Topic:     "ftrack.update",
			Sender:    "ftrack",
			Status:    "pending",
			Payload:   map[string]interface{}{"project": "alpha"},
			CreatedAt: now,
		},
		{
			Change:     ChangeClaimed,
			EventID:    "c1",
			Topic:      "avalon.sync",
			Sender:     "worker-1",
			Status:     "in_progress",
			DependsOn:  "e1",
			MaxRetries: 3,
		},
	}

	require.NoError(t, fl.Append(events))
	assert.Equal(t, []uint64{1, 2}, seqs(events))
	assert.Equal(t, uint64(2), fl.LastSeq())

	// Empty appends do not consume sequence numbers
	require.NoError(t, fl.Append(nil))
	assert.Equal(t, uint64(2), fl.LastSeq())

	got, err := fl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, ChangeDispatched, got[0].Change)
	assert.Equal(t, "alpha", got[0].Payload["project"])
	assert.True(t, now.Equal(got[0].CreatedAt))
	assert.Equal(t, "e1", got[1].DependsOn)
	assert.Equal(t, 3, got[1].MaxRetries)
}

func TestFeedLog_CompressedPayload(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	defer fl.Close()

	notes := strings.Repeat("render farm output ", 200)
	events := feedEvents(1, "ftrack.update")
	events[0].Payload = map[string]interface{}{"notes": notes}
	require.NoError(t, fl.Append(events))

	got, err := fl.ReadFrom(0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, notes, got[0].Payload["notes"])
}

func TestFeedLog_ReadFromPages(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	defer fl.Close()

	require.NoError(t, fl.Append(feedEvents(10, "ftrack.update")))

	tests := []struct {
		cursor uint64
		limit  int
		want   []uint64
	}{
		{0, 3, []uint64{1, 2, 3}},
		{5, 3, []uint64{6, 7, 8}},
		{8, 5, []uint64{9, 10}},
		{10, 5, []uint64{}},
	}
	for _, tt := range tests {
		got, err := fl.ReadFrom(tt.cursor, tt.limit)
		require.NoError(t, err)
		assert.Equal(t, tt.want, seqs(got), "cursor=%d limit=%d", tt.cursor, tt.limit)
	}

	// A non-positive limit falls back to the default page
	got, err := fl.ReadFrom(0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestFeedLog_StateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	fl := openTestLog(t, dir)
	require.NoError(t, fl.Append(feedEvents(3, "ftrack.update")))
	require.NoError(t, fl.AdvanceCursor("kafka", 3))
	require.NoError(t, fl.AdvanceCursor("nats", 1))
	require.NoError(t, fl.Close())

	fl = openTestLog(t, dir)
	defer fl.Close()

	assert.Equal(t, uint64(3), fl.LastSeq())

	c, err := fl.Cursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c)

	c, err = fl.Cursor("nats")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c)

	c, err = fl.Cursor("unknown")
	require.NoError(t, err)
	assert.Zero(t, c)

	more := feedEvents(1, "ftrack.update")
	require.NoError(t, fl.Append(more))
	assert.Equal(t, uint64(4), more[0].SeqNum)
}

func TestFeedLog_ConcurrentAppends(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	defer fl.Close()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fl.Append(feedEvents(5, "ftrack.update")))
		}()
	}
	wg.Wait()

	got, err := fl.ReadFrom(0, 100)
	require.NoError(t, err)
	require.Len(t, got, writers*5)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.SeqNum)
	}
}

func TestFeedLog_TrimKeepsSlowestSink(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	defer fl.Close()

	// Nothing to trim before any sink reports progress
	assert.Zero(t, fl.Trim())

	require.NoError(t, fl.Append(feedEvents(20, "ftrack.update")))
	require.NoError(t, fl.AdvanceCursor("fast", 15))
	require.NoError(t, fl.AdvanceCursor("slow", 6))

	assert.Equal(t, uint64(6), fl.Trim())

	got, err := fl.ReadFrom(0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(7), got[0].SeqNum)
	assert.Len(t, got, 14)
}

func TestFeedLog_RetainDropsRemovedSinks(t *testing.T) {
	dir := t.TempDir()
	fl := openTestLog(t, dir)

	require.NoError(t, fl.Append(feedEvents(10, "ftrack.update")))
	require.NoError(t, fl.AdvanceCursor("kafka", 9))
	require.NoError(t, fl.AdvanceCursor("retired", 2))

	require.NoError(t, fl.Retain([]string{"kafka"}))
	assert.Equal(t, uint64(9), fl.Trim())
	require.NoError(t, fl.Close())

	fl = openTestLog(t, dir)
	defer fl.Close()

	c, err := fl.Cursor("retired")
	require.NoError(t, err)
	assert.Zero(t, c)

	got, err := fl.ReadFrom(0, 100)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, seqs(got))
}

func TestFeedLog_BackgroundTrim(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	defer fl.Close()

	require.NoError(t, fl.Append(feedEvents(trimEvery, "ftrack.update")))
	for seq := uint64(1); seq <= trimEvery; seq++ {
		require.NoError(t, fl.AdvanceCursor("kafka", seq))
	}

	require.Eventually(t, func() bool {
		got, err := fl.ReadFrom(0, 1)
		return err == nil && len(got) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeedLog_Closed(t *testing.T) {
	fl := openTestLog(t, t.TempDir())
	require.NoError(t, fl.Close())

	assert.ErrorIs(t, fl.Append(feedEvents(1, "ftrack.update")), ErrLogClosed)
	_, err := fl.ReadFrom(0, 1)
	assert.ErrorIs(t, err, ErrLogClosed)
	_, err = fl.Cursor("kafka")
	assert.ErrorIs(t, err, ErrLogClosed)
	assert.ErrorIs(t, fl.AdvanceCursor("kafka", 1), ErrLogClosed)
	assert.ErrorIs(t, fl.Retain(nil), ErrLogClosed)
	assert.ErrorIs(t, fl.Close(), ErrLogClosed)
}

func TestRecordKeyOrdering(t *testing.T) {
	assert.Equal(t, []byte{'r', 0, 0, 0, 0, 0, 0, 0, 1}, recordKey(1))
	assert.Equal(t, uint64(258), keySeq(recordKey(258)))
	assert.Zero(t, keySeq([]byte("short")))

	// Byte order matches numeric order across digit boundaries
	assert.Negative(t, bytes.Compare(recordKey(255), recordKey(256)))
	assert.Negative(t, bytes.Compare(recordKey(9), recordKey(10)))

	// Records and cursors never share a key range
	assert.Negative(t, bytes.Compare(cursorKey("zzz"), recordKey(0)))
	assert.Positive(t, bytes.Compare([]byte(lastSeqKey), recordKey(^uint64(0))))
}

func BenchmarkFeedLogAppend(b *testing.B) {
	fl := openTestLog(b, b.TempDir())
	defer fl.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = fl.Append(feedEvents(1, "ftrack.update"))
	}
}

func BenchmarkFeedLogRead(b *testing.B) {
	fl := openTestLog(b, b.TempDir())
	defer fl.Close()

	_ = fl.Append(feedEvents(1000, "ftrack.update"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = fl.ReadFrom(0, 100)
	}
}
