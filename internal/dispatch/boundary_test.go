package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quan-xiao/testmanager/internal/dispatch/mocks"
	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/store"
)

type nopSelector struct{}

func (nopSelector) Select(context.Context, string, map[string]string) (*store.Task, error) {
	return nil, nil
}

func newMockBoundary(t *testing.T) (*Boundary, *mocks.MockStore, *bytes.Buffer) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	engine := NewEngine(st, nopSelector{}, Options{}, newTestLogger())

	var diag bytes.Buffer
	b := NewBoundary(engine, slog.New(slog.NewJSONHandler(&diag, nil)), newTestLogger(), nil)
	return b, st, &diag
}

func TestBoundaryHidesStoreFaults(t *testing.T) {
	b, st, diag := newMockBoundary(t)
	st.EXPECT().GetTestBox(gomock.Any(), "tb-1").Return(nil, errors.New("database is locked by pid 4711"))

	o := b.Handle(context.Background(), "HEARTBEAT", map[string]string{"testbox_id": "tb-1"}, protocol.Caller{Address: "10.1.1.1"})
	assert.Equal(t, protocol.ResultInternalError, o.Result)
	assert.NotContains(t, o.Message, "pid 4711")

	logged := diag.String()
	assert.Contains(t, logged, "pid 4711")
	assert.Contains(t, logged, `"command":"HEARTBEAT"`)
	assert.Contains(t, logged, `"testbox_id":"tb-1"`)
	assert.Contains(t, logged, `"caller":"10.1.1.1"`)
}

func TestBoundaryRecoversPanics(t *testing.T) {
	b, st, diag := newMockBoundary(t)
	st.EXPECT().SignOn(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, store.SignOnRequest, time.Time) (*store.SignOnResult, error) {
			panic("nil map write")
		})

	o := b.Handle(context.Background(), "SIGN_ON", map[string]string{"testbox_id": "tb-1"}, protocol.Caller{})
	assert.Equal(t, protocol.ResultInternalError, o.Result)
	assert.Contains(t, diag.String(), "nil map write")
	assert.Contains(t, diag.String(), "stack")
}

func TestBoundaryRejectsBeforeTouchingStore(t *testing.T) {
	b, _, diag := newMockBoundary(t)

	o := b.Handle(context.Background(), "REBOOT", map[string]string{"testbox_id": "tb-1"}, protocol.Caller{})
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownCommand))

	o = b.Handle(context.Background(), "REPORT_RESULT", map[string]string{"testbox_id": "tb-1", "task_id": "t1", "outcome": "passed"}, protocol.Caller{})
	assert.True(t, o.IsProtocolError(protocol.ErrMissingParameter))

	o = b.Handle(context.Background(), "REPORT_RESULT", map[string]string{"testbox_id": "tb-1", "task_id": "t1", "generation": "x", "outcome": "passed"}, protocol.Caller{})
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidParameter))

	assert.Empty(t, diag.String())
}

func TestEngineSelectFailureReturnsBoxToIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	engine := NewEngine(st, failingSelector{err: errors.New("list candidates: i/o error")}, Options{}, newTestLogger())

	box := &store.TestBox{ID: "tb-1", State: store.BoxIdle}
	gomock.InOrder(
		st.EXPECT().GetTestBox(gomock.Any(), "tb-1").Return(box, nil),
		st.EXPECT().BeginRequest(gomock.Any(), "tb-1", gomock.Any()).Return(nil),
		st.EXPECT().EndRequest(gomock.Any(), "tb-1", gomock.Any()).Return(nil),
	)

	req, err := protocol.Parse("REQUEST_TASK", map[string]string{"testbox_id": "tb-1"}, protocol.Caller{})
	require.NoError(t, err)
	_, err = engine.Handle(context.Background(), req)
	assert.ErrorContains(t, err, "i/o error")
}

func TestEngineStaleSettlementWithoutRequeue(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	engine := NewEngine(st, nopSelector{}, Options{}, newTestLogger())

	taskID := "t9"
	st.EXPECT().GetTestBox(gomock.Any(), "tb-1").Return(&store.TestBox{ID: "tb-1", State: store.BoxRunning, TaskID: &taskID}, nil)
	st.EXPECT().RecordResult(gomock.Any(), gomock.Any(), gomock.Any()).Return(&store.Settlement{}, store.ErrStaleReport)

	req, err := protocol.Parse("REPORT_RESULT", map[string]string{
		"testbox_id": "tb-1", "task_id": "t1", "generation": "4", "outcome": "aborted",
	}, protocol.Caller{})
	require.NoError(t, err)
	o, err := engine.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, o.IsProtocolError(protocol.ErrStaleReport))
	assert.Contains(t, o.Message, "generation 4")
}

type failingSelector struct{ err error }

func (f failingSelector) Select(context.Context, string, map[string]string) (*store.Task, error) {
	return nil, f.err
}
