package assign

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quan-xiao/testmanager/internal/assign/mocks"
	"github.com/quan-xiao/testmanager/internal/storage"
	"github.com/quan-xiao/testmanager/internal/store"
)

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestSatisfies(t *testing.T) {
	caps := map[string]string{"os": "linux", "arch": "amd64", "cpus": "8", "gpu": "nvidia"}
	tests := []struct {
		name string
		reqs map[string]string
		want bool
	}{
		{"no requirements", nil, true},
		{"exact", map[string]string{"os": "linux"}, true},
		{"exact mismatch", map[string]string{"os": "windows"}, false},
		{"missing capability", map[string]string{"ram": "16"}, false},
		{"alternatives", map[string]string{"arch": "arm64|amd64"}, true},
		{"alternatives mismatch", map[string]string{"arch": "arm64|riscv64"}, false},
		{"lower bound met", map[string]string{"cpus": ">=4"}, true},
		{"lower bound equal", map[string]string{"cpus": ">= 8"}, true},
		{"lower bound missed", map[string]string{"cpus": ">=16"}, false},
		{"lower bound non numeric", map[string]string{"os": ">=1"}, false},
		{"wildcard", map[string]string{"gpu": "*"}, true},
		{"all must hold", map[string]string{"os": "linux", "cpus": ">=16"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfies(tt.reqs, caps))
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(map[string]string{"os": "linux", "cpus": "8"})
	b := Fingerprint(map[string]string{"cpus": "8", "os": "linux"})
	c := Fingerprint(map[string]string{"os": "linux", "cpus": "16"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestSelectSkipsIncompatibleAndRetriesLostClaims(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockTaskSource(ctrl)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPolicy(src, newTestLogger(), WithBatch(10), WithClock(func() time.Time { return now }))

	windows := &store.Task{ID: "win", Requirements: map[string]string{"os": "windows"}}
	taken := &store.Task{ID: "taken"}
	free := &store.Task{ID: "free"}

	src.EXPECT().ListPendingTasks(gomock.Any(), gomock.Nil(), 10).Return([]*store.Task{windows, taken, free}, nil)
	src.EXPECT().ClaimTask(gomock.Any(), "taken", "tb-1", now).Return(nil, store.ErrClaimLost)
	src.EXPECT().ClaimTask(gomock.Any(), "free", "tb-1", now).Return(&store.Task{ID: "free", State: store.TaskAssigned}, nil)

	got, err := p.Select(context.Background(), "tb-1", map[string]string{"os": "linux"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "free", got.ID)
}

func TestSelectRereadsAfterAllClaimsLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockTaskSource(ctrl)
	p := NewPolicy(src, newTestLogger(), WithBatch(5), WithRounds(2))

	gomock.InOrder(
		src.EXPECT().ListPendingTasks(gomock.Any(), gomock.Nil(), 5).Return([]*store.Task{{ID: "a"}}, nil),
		src.EXPECT().ClaimTask(gomock.Any(), "a", "tb-1", gomock.Any()).Return(nil, store.ErrClaimLost),
		src.EXPECT().ListPendingTasks(gomock.Any(), gomock.Nil(), 5).Return([]*store.Task{{ID: "b"}}, nil),
		src.EXPECT().ClaimTask(gomock.Any(), "b", "tb-1", gomock.Any()).Return(&store.Task{ID: "b"}, nil),
	)

	got, err := p.Select(context.Background(), "tb-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestSelectGivesUpAfterRounds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockTaskSource(ctrl)
	p := NewPolicy(src, newTestLogger(), WithBatch(5), WithRounds(2))

	src.EXPECT().ListPendingTasks(gomock.Any(), gomock.Nil(), 5).Return([]*store.Task{{ID: "a"}}, nil).Times(2)
	src.EXPECT().ClaimTask(gomock.Any(), "a", "tb-1", gomock.Any()).Return(nil, store.ErrClaimLost).Times(2)

	got, err := p.Select(context.Background(), "tb-1", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSelectPagesThroughCandidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockTaskSource(ctrl)
	p := NewPolicy(src, newTestLogger(), WithBatch(2))

	gpu := map[string]string{"gpu": "*"}
	last := &store.Task{ID: "b", Requirements: gpu}
	src.EXPECT().ListPendingTasks(gomock.Any(), gomock.Nil(), 2).Return([]*store.Task{{ID: "a", Requirements: gpu}, last}, nil)
	src.EXPECT().ListPendingTasks(gomock.Any(), last, 2).Return([]*store.Task{{ID: "c"}}, nil)
	src.EXPECT().ClaimTask(gomock.Any(), "c", "tb-1", gomock.Any()).Return(&store.Task{ID: "c"}, nil)

	got, err := p.Select(context.Background(), "tb-1", map[string]string{"os": "linux"})
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)
}

func TestSelectPropagatesStoreErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockTaskSource(ctrl)
	p := NewPolicy(src, newTestLogger())

	boom := errors.New("disk on fire")
	src.EXPECT().ListPendingTasks(gomock.Any(), gomock.Nil(), DefaultBatch).Return(nil, boom)

	_, err := p.Select(context.Background(), "tb-1", nil)
	assert.ErrorIs(t, err, boom)
}

// TestSelectConcurrentAtMostOnce races many boxes for fewer tasks against a
// real store and checks every task went to exactly one box.
func TestSelectConcurrentAtMostOnce(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := store.New(db, storage.SQLite)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const boxes, tasks = 12, 5
	for i := 0; i < tasks; i++ {
		_, err := s.EnqueueTask(ctx, store.EnqueueRequest{}, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	ids := make([]string, boxes)
	for i := range ids {
		ids[i] = "tb-" + string(rune('a'+i))
		_, err := s.SignOn(ctx, store.SignOnRequest{ID: ids[i]}, now)
		require.NoError(t, err)
		require.NoError(t, s.BeginRequest(ctx, ids[i], now))
	}

	p := NewPolicy(s, newTestLogger(), WithRounds(boxes))
	var (
		mu  sync.Mutex
		got = map[string]string{}
		wg  sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			task, err := p.Select(ctx, id, nil)
			assert.NoError(t, err)
			if task == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := got[task.ID]
			assert.False(t, dup, "task %s assigned twice", task.ID)
			got[task.ID] = id
		}(id)
	}
	wg.Wait()
	assert.Len(t, got, tasks)
}
