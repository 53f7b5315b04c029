package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"github.com/stretchr/testify/assert"
)

func newIntakeFixture(t *testing.T) (*IntakeService, *repo.MessageRepository, context.Context) {
	db := newTestDB(t)
	r := repo.NewMessageRepository(db, nil, testLogger())
	msgSvc := NewMessageService(r, &fakeRouter{}, fatalTopic, false, testLogger())
	funnel := NewFunnelScheduler(r, false, testLogger())
	svc := NewIntakeService(r, msgSvc, funnel, testLogger())
	return svc, r, context.Background()
}

func newSubmission(corrID string) Submission {
	return Submission{
		CorrelationID: corrID,
		SourceSystem:  "CRM",
		Service:       "CUSTOMER",
		OperationName: "setCustomer",
		Payload:       `{"customerId":42}`,
	}
}

func TestSubmit_NewMessageIsProcessing(t *testing.T) {
	svc, _, ctx := newIntakeFixture(t)

	msg, duplicate, err := svc.Submit(ctx, newSubmission("corr-1"))
	assert.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, model.StateProcessing, msg.State)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.NotNil(t, msg.StartProcessTimestamp)
	assert.NotZero(t, msg.ID)
}

func TestSubmit_BlankCorrelationIDGenerated(t *testing.T) {
	svc, _, ctx := newIntakeFixture(t)

	msg, duplicate, err := svc.Submit(ctx, newSubmission(""))
	assert.NoError(t, err)
	assert.False(t, duplicate)
	assert.NotEmpty(t, msg.CorrelationID)
}

func TestSubmit_DuplicateCorrelationIDReplayed(t *testing.T) {
	svc, _, ctx := newIntakeFixture(t)

	first, _, err := svc.Submit(ctx, newSubmission("corr-dup"))
	assert.NoError(t, err)

	second, duplicate, err := svc.Submit(ctx, newSubmission("corr-dup"))
	assert.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.ID, second.ID)
}

func TestSubmit_ValidationFailures(t *testing.T) {
	svc, _, ctx := newIntakeFixture(t)

	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing source system", func(s *Submission) { s.SourceSystem = "" }},
		{"missing service", func(s *Submission) { s.Service = "" }},
		{"missing operation", func(s *Submission) { s.OperationName = "" }},
		{"missing payload", func(s *Submission) { s.Payload = "" }},
		{"guaranteed order without funnel", func(s *Submission) { s.GuaranteedOrder = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := newSubmission("corr-invalid")
			tc.mutate(&sub)
			_, _, err := svc.Submit(ctx, sub)
			assert.Error(t, err)
			code, ok := errs.CodeOf(err)
			assert.True(t, ok)
			assert.Equal(t, errs.CodeValidation, code)
		})
	}
}

func TestSubmit_GuaranteedOrderLaterMessagePostponed(t *testing.T) {
	svc, _, ctx := newIntakeFixture(t)
	compID := "funnel-comp"
	base := time.Now().Add(-time.Hour)

	older := newSubmission("corr-older")
	older.GuaranteedOrder = true
	older.FunnelComponentID = &compID
	older.FunnelValues = []string{"774724557"}
	older.MsgTimestamp = &base

	first, _, err := svc.Submit(ctx, older)
	assert.NoError(t, err)
	assert.Equal(t, model.StateProcessing, first.State)

	laterTS := base.Add(100 * time.Second)
	later := newSubmission("corr-later")
	later.GuaranteedOrder = true
	later.FunnelComponentID = &compID
	later.FunnelValues = []string{"774724557"}
	later.MsgTimestamp = &laterTS

	second, duplicate, err := svc.Submit(ctx, later)
	assert.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, model.StatePostponed, second.State)
}

func TestSubmit_DuplicateServedFromCache(t *testing.T) {
	db := newTestDB(t)
	rdb, mock := redismock.NewClientMock()
	r := repo.NewMessageRepository(db, rdb, testLogger())
	msgSvc := NewMessageService(r, &fakeRouter{}, fatalTopic, false, testLogger())
	svc := NewIntakeService(r, msgSvc, NewFunnelScheduler(r, false, testLogger()), testLogger())
	ctx := context.Background()

	mock.ExpectGet("msg:CRM:corr-cached").RedisNil()
	mock.Regexp().ExpectSet("msg:CRM:corr-cached", `\d+`, 10*time.Minute).SetVal("OK")

	first, _, err := svc.Submit(ctx, newSubmission("corr-cached"))
	assert.NoError(t, err)

	mock.ExpectGet("msg:CRM:corr-cached").SetVal(fmt.Sprintf("%d", first.ID))

	second, duplicate, err := svc.Submit(ctx, newSubmission("corr-cached"))
	assert.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
