package service

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) (*LedgerService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "help_requests.json")
	ledger, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)
	return ledger, path
}

func readLedgerFile(t *testing.T, path string) ledgerFile {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file ledgerFile
	require.NoError(t, json.Unmarshal(data, &file))
	return file
}

func TestCreateThenGetReturnsPendingNormalizedQuestion(t *testing.T) {
	ledger, _ := newTestLedger(t)

	created, err := ledger.Create("  Can I Pay In Euros? ", "room-42#alice")
	require.NoError(t, err)
	assert.Len(t, created.ID, 8)
	assert.Equal(t, "room-42", created.Channel)
	assert.Equal(t, "room-42#alice", created.CallerInfo)

	got, err := ledger.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "can i pay in euros?", got.Question)
	assert.Nil(t, got.Answer)
	assert.Nil(t, got.ResolvedAt)
}

func TestCreateDefaultsCallerInfo(t *testing.T) {
	ledger, _ := newTestLedger(t)

	created, err := ledger.Create("q", "   ")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultCallerInfo, created.CallerInfo)
	assert.Equal(t, model.DefaultCallerInfo, created.Channel)
}

func TestCreateRejectsBlankQuestion(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Create(" \t", "room")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestCreatePersistsVersionedSnapshot(t *testing.T) {
	ledger, path := newTestLedger(t)

	created, err := ledger.Create("q", "room")
	require.NoError(t, err)

	file := readLedgerFile(t, path)
	assert.Equal(t, ledgerVersion, file.Version)
	require.Len(t, file.Requests, 1)
	assert.Equal(t, created.ID, file.Requests[0].ID)
}

func TestResolveSucceedsExactlyOnce(t *testing.T) {
	ledger, _ := newTestLedger(t)
	created, err := ledger.Create("can i pay in euros?", "room")
	require.NoError(t, err)

	resolved, err := ledger.Resolve(created.ID, "Yes, we accept euros at the daily rate.")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Answer)
	assert.Equal(t, "Yes, we accept euros at the daily rate.", *resolved.Answer)
	require.NotNil(t, resolved.ResolvedAt)
	assert.False(t, resolved.ResolvedAt.Before(resolved.CreatedAt))

	_, err = ledger.Resolve(created.ID, "again")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	got, err := ledger.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Yes, we accept euros at the daily rate.", *got.Answer)
}

func TestResolveUnknownID(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Resolve("deadbeef", "a")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	_, err = ledger.Get("deadbeef")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestConcurrentResolvesOnlyOneWins(t *testing.T) {
	ledger, _ := newTestLedger(t)
	created, err := ledger.Create("q", "room")
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Resolve(created.ID, "a"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrRequestNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestConcurrentCreatesAreAllPersisted(t *testing.T) {
	ledger, path := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Create("q", "room")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, readLedgerFile(t, path).Requests, 10)
}

func TestListPendingAndAll(t *testing.T) {
	ledger, _ := newTestLedger(t)
	a, err := ledger.Create("a", "room")
	require.NoError(t, err)
	b, err := ledger.Create("b", "room")
	require.NoError(t, err)
	_, err = ledger.Resolve(a.ID, "answer")
	require.NoError(t, err)

	pending, err := ledger.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	all, err := ledger.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListAllSeesWritesFromAnotherInstance(t *testing.T) {
	ledger, path := newTestLedger(t)
	other, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)

	created, err := other.Create("q", "room")
	require.NoError(t, err)

	got, err := ledger.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "q", got.Question)
}

func TestAcknowledgeDelivery(t *testing.T) {
	ledger, _ := newTestLedger(t)
	created, err := ledger.Create("q", "room-1#bob")
	require.NoError(t, err)

	_, err = ledger.AcknowledgeDelivery("room-1", created.ID)
	assert.ErrorIs(t, err, ErrRequestNotResolved)

	_, err = ledger.Resolve(created.ID, "a")
	require.NoError(t, err)

	_, err = ledger.AcknowledgeDelivery("room-2", created.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	_, err = ledger.AcknowledgeDelivery("room-1", "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	first, err := ledger.AcknowledgeDelivery("room-1", created.ID)
	require.NoError(t, err)
	require.NotNil(t, first.DeliveredAt)
	assert.Equal(t, model.StatusResolved, first.Status)

	second, err := ledger.AcknowledgeDelivery("room-1", created.ID)
	require.NoError(t, err)
	assert.True(t, first.DeliveredAt.Equal(*second.DeliveredAt), "delivered_at is recorded once")
}

func TestLegacyListIsMigratedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "help_requests.json")
	legacy := `[
  {"id": "aaaa1111", "question": "Do you do nails?", "caller_info": "room-9#carol", "status": "pending", "created_at": "2024-05-01 10:00:00", "resolved_at": null, "answer": null},
  {"id": "bbbb2222", "question": "parking?", "caller_info": "room-9", "status": "Resolved", "created_at": "2024-05-01 10:00:00", "resolved_at": "2024-05-01 11:00:00", "answer": "Free parking out back."},
  {"question": "no id here", "status": "Pending"}
]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	ledger, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)

	file := readLedgerFile(t, path)
	assert.Equal(t, ledgerVersion, file.Version)
	require.Len(t, file.Requests, 3)

	nails, err := ledger.Get("aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, nails.Status)
	assert.Equal(t, "do you do nails?", nails.Question)
	assert.Equal(t, "room-9", nails.Channel)
	want, _ := time.ParseInLocation("2006-01-02 15:04:05", "2024-05-01 10:00:00", time.Local)
	assert.True(t, want.Equal(nails.CreatedAt))

	parking, err := ledger.Get("bbbb2222")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, parking.Status)
	assert.Equal(t, "Free parking out back.", *parking.Answer)

	pending, err := ledger.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, r := range pending {
		assert.Equal(t, model.DefaultCallerInfo == r.CallerInfo, r.Question == "no id here")
	}

	// 旧版小写 pending 也能被解决
	_, err = ledger.Resolve("aaaa1111", "Yes.")
	require.NoError(t, err)
}

func TestLegacyMapIsMigratedUsingKeysAsIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "help_requests.json")
	legacy := `{
  "cccc3333": {"question": "do you do beards?", "caller_info": "room-3", "status": "pending", "created_at": "2024-05-01T09:30:00.123456"}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	ledger, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)

	got, err := ledger.Get("cccc3333")
	require.NoError(t, err)
	assert.Equal(t, "room-3", got.Channel)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, ledgerVersion, readLedgerFile(t, path).Version)
}

func TestUnrepairableRecordsAreQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "help_requests.json")
	legacy := `[
  {"id": "good0001", "question": "ok?", "status": "Pending", "created_at": "2024-05-01 10:00:00"},
  {"id": "bad00001", "question": "", "status": "Pending"},
  {"id": "bad00002", "question": "weird", "status": "Archived"},
  {"id": "bad00003", "question": "no answer", "status": "Resolved"},
  {"id": "good0001", "question": "duplicate", "status": "Pending"}
]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	ledger, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)

	all, err := ledger.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good0001", all[0].ID)

	data, err := os.ReadFile(path + quarantineSuffix)
	require.NoError(t, err)
	var quarantined []quarantinedRecord
	require.NoError(t, json.Unmarshal(data, &quarantined))
	assert.Len(t, quarantined, 4)

	// 迁移只发生一次，再次加载不会重复隔离
	_, err = NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)
	data, err = os.ReadFile(path + quarantineSuffix)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &quarantined))
	assert.Len(t, quarantined, 4)
}

func TestCorruptLedgerIsTreatedAsEmptyAndMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "help_requests.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not json"), 0o644))

	ledger, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)

	all, err := ledger.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var moved bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "help_requests.json.corrupt-") {
			moved = true
		}
	}
	assert.True(t, moved)

	_, err = ledger.Create("fresh start", "room")
	require.NoError(t, err)
}

func TestFutureVersionIsTreatedAsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "help_requests.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "requests": []}`), 0o644))

	ledger, err := NewLedgerService(path, zap.NewNop())
	require.NoError(t, err)

	all, err := ledger.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)
	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}
