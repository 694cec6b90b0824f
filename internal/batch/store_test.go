package batch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultStore(t *testing.T) {
	t.Run("snapshot restores input order", func(t *testing.T) {
		s := NewResultStore()
		s.Append(RequestResult{UserEmail: "c@example.com", Status: StatusRoleUpdated, Seq: 2})
		s.Append(RequestResult{UserEmail: "a@example.com", Status: StatusRoleUpdated, Seq: 0})
		s.Append(RequestResult{UserEmail: "b@example.com", Status: StatusUserNotFound, Seq: 1})

		got := s.Snapshot()
		require.Len(t, got, 3)
		assert.Equal(t, "a@example.com", got[0].UserEmail)
		assert.Equal(t, "b@example.com", got[1].UserEmail)
		assert.Equal(t, "c@example.com", got[2].UserEmail)
	})

	t.Run("report counts by status prefix", func(t *testing.T) {
		s := NewResultStore()
		s.Append(RequestResult{Status: StatusRoleUpdated, Seq: 0})
		s.Append(RequestResult{Status: StatusAlreadyConfigured, Seq: 1})
		s.Append(RequestResult{Status: StatusSaveFailed, Seq: 2})
		s.Append(RequestResult{Status: "failed - element vanished", Seq: 3})

		rep := s.BuildReport(time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC))
		assert.Equal(t, 4, rep.TotalUsers)
		assert.Equal(t, 2, rep.Successful)
		assert.Equal(t, 2, rep.Failed)
		assert.Equal(t, "2026-08-26 10:30:00", rep.Timestamp)
		assert.InDelta(t, 50.0, rep.SuccessRate(), 0.01)
	})

	t.Run("empty report counts as fully successful", func(t *testing.T) {
		rep := NewResultStore().BuildReport(time.Now())
		assert.InDelta(t, 100.0, rep.SuccessRate(), 0.01)
	})

	t.Run("concurrent appends are safe", func(t *testing.T) {
		s := NewResultStore()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(seq int) {
				defer wg.Done()
				s.Append(RequestResult{Status: StatusRoleUpdated, Seq: seq})
			}(i)
		}
		wg.Wait()
		got := s.Snapshot()
		require.Len(t, got, 50)
		for i, r := range got {
			assert.Equal(t, i, r.Seq)
		}
	})

	t.Run("report round trips through disk", func(t *testing.T) {
		s := NewResultStore()
		s.Append(RequestResult{
			UserEmail: "a@example.com",
			NewRole:   "Teller",
			NewBranch: "370-Downtown",
			Status:    StatusRoleAndBranchUpdated,
			Timestamp: "2026-08-26 10:29:58",
			Seq:       0,
		})
		want := s.BuildReport(time.Now())

		path := filepath.Join(t.TempDir(), "cspflow_results.json")
		require.NoError(t, WriteReport(path, want))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var got Report
		require.NoError(t, json.Unmarshal(data, &got))

		diff := cmp.Diff(want, got, cmpopts.IgnoreFields(RequestResult{}, "Seq"))
		assert.Empty(t, diff)
	})

	t.Run("default report path embeds the unix timestamp", func(t *testing.T) {
		now := time.Unix(1756203000, 0)
		assert.Equal(t, "cspflow_results_1756203000.json", DefaultReportPath(now))
	})
}
