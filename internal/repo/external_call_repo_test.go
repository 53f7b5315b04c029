package repo

import (
	"context"
	"testing"
	"time"

	"github.com/richardliu001/esb-service/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestCreateProcessingCall_DuplicateRejected(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))

	call, err := calls.CreateProcessingCall(ctx, db, "billing.charge", "cust-42", msg)
	assert.NoError(t, err)
	assert.Equal(t, model.ExtCallProcessing, call.State)

	// the unique (operation_name, entity_id) constraint is the exactly-once
	// guarantee: the second insert must fail deterministically
	_, err = calls.CreateProcessingCall(ctx, db, "billing.charge", "cust-42", msg)
	assert.ErrorIs(t, err, ErrDuplicateCall)

	// same entity under a different operation is a different call
	_, err = calls.CreateProcessingCall(ctx, db, "billing.refund", "cust-42", msg)
	assert.NoError(t, err)
}

func TestGetCall(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))
	created, err := calls.CreateProcessingCall(ctx, db, "billing.charge", "cust-42", msg)
	assert.NoError(t, err)

	got, err := calls.Get(ctx, "billing.charge", "cust-42")
	assert.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = calls.Get(ctx, "billing.charge", "cust-99")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestLockForProcessing(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))
	call, err := calls.CreateProcessingCall(ctx, db, "billing.charge", "cust-42", msg)
	assert.NoError(t, err)

	// locking a row already in PROCESSING is a programming error, never a
	// silent success
	err = calls.LockForProcessing(ctx, db, call)
	assert.ErrorIs(t, err, ErrCallAlreadyLocked)

	assert.NoError(t, calls.UpdateState(ctx, db, call, model.ExtCallFailed, 0))
	assert.NoError(t, calls.LockForProcessing(ctx, db, call))
	assert.Equal(t, model.ExtCallProcessing, call.State)
}

func TestLockForProcessing_StaleVersionFailsFast(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))
	call, err := calls.CreateProcessingCall(ctx, db, "billing.charge", "cust-42", msg)
	assert.NoError(t, err)
	assert.NoError(t, calls.UpdateState(ctx, db, call, model.ExtCallFailed, 0))

	// another worker advanced the row in the meantime
	stale := *call
	assert.NoError(t, calls.UpdateState(ctx, db, call, model.ExtCallOK, 0))

	err = calls.LockForProcessing(ctx, db, &stale)
	assert.ErrorIs(t, err, ErrOptimisticLock)
}

func TestLockConfirmation(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))

	conf := model.NewFailedConfirmation(msg)
	assert.NoError(t, calls.Insert(ctx, db, conf))
	assert.Equal(t, 1, conf.FailedCount)
	assert.True(t, conf.IsConfirmation())

	locked, err := calls.LockConfirmation(ctx, db, conf)
	assert.NoError(t, err)
	assert.Equal(t, model.ExtCallProcessing, locked.State)

	_, err = calls.LockConfirmation(ctx, db, locked)
	assert.ErrorIs(t, err, ErrCallAlreadyLocked)
}

func TestFindDueConfirmation_OldestFirst(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msgA := newMessage(model.StateProcessing, nil, time.Now())
	msgB := newMessage(model.StateProcessing, nil, time.Now().Add(time.Millisecond))
	assert.NoError(t, msgs.Insert(ctx, db, msgA))
	assert.NoError(t, msgs.Insert(ctx, db, msgB))

	old := time.Now().Add(-time.Hour)
	older := time.Now().Add(-2 * time.Hour)

	confA := model.NewFailedConfirmation(msgA)
	confA.CreationTimestamp = old
	confA.UpdatedAt = old
	confB := model.NewFailedConfirmation(msgB)
	confB.CreationTimestamp = older
	confB.UpdatedAt = older
	assert.NoError(t, calls.Insert(ctx, db, confA))
	assert.NoError(t, calls.Insert(ctx, db, confB))

	due, err := calls.FindDueConfirmation(ctx, 10*time.Minute)
	assert.NoError(t, err)
	assert.NotNil(t, due)
	assert.Equal(t, confB.ID, due.ID)
}

func TestFindDueConfirmation_NoneDue(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))

	// freshly failed confirmation is still resting
	conf := model.NewFailedConfirmation(msg)
	assert.NoError(t, calls.Insert(ctx, db, conf))

	due, err := calls.FindDueConfirmation(ctx, 10*time.Minute)
	assert.NoError(t, err)
	assert.Nil(t, due)
}

func TestFindStaleProcessingCalls(t *testing.T) {
	db := newTestDB(t)
	msgs := NewMessageRepository(db, nil, testLogger())
	calls := NewExternalCallRepository(db, testLogger())
	ctx := context.Background()

	msg := newMessage(model.StateProcessing, nil, time.Now())
	assert.NoError(t, msgs.Insert(ctx, db, msg))

	old := time.Now().Add(-time.Hour)
	for i, entity := range []string{"e1", "e2", "e3"} {
		call := model.NewProcessingCall("billing.charge", entity, msg)
		call.UpdatedAt = old.Add(time.Duration(i) * time.Minute)
		assert.NoError(t, calls.Insert(ctx, db, call))
	}
	fresh := model.NewProcessingCall("billing.charge", "e4", msg)
	assert.NoError(t, calls.Insert(ctx, db, fresh))

	stale, err := calls.FindStaleProcessing(ctx, 10*time.Minute, 2)
	assert.NoError(t, err)
	assert.Len(t, stale, 2)
	for _, c := range stale {
		assert.Equal(t, model.ExtCallProcessing, c.State)
	}
}
