package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateCall is returned when the unique (operation_name, entity_id)
// constraint rejects an insert: the external operation was already invoked for
// this entity. Must never be swallowed.
var ErrDuplicateCall = errs.New(errs.CodeIntegrity, "external call already exists for operation/entity")

// ErrMultipleCallsFound indicates the unique constraint was violated
// historically. A data integrity bug, never resolved by picking one row.
var ErrMultipleCallsFound = errs.New(errs.CodeIntegrity, "multiple external calls found for operation/entity")

// ErrCallNotFound is returned by point lookups that matched no row.
var ErrCallNotFound = errs.New(errs.CodeNotFound, "external call not found")

// ErrCallAlreadyLocked signals an attempt to lock a row already in PROCESSING.
// That is a programming error at the call site, not a retryable condition.
var ErrCallAlreadyLocked = errs.New(errs.CodeIntegrity, "external call is already locked in PROCESSING state")

// ExternalCallRepository is the deduplication ledger for calls to external
// systems.
type ExternalCallRepository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewExternalCallRepository constructs repo.
func NewExternalCallRepository(db *gorm.DB, logger *zap.SugaredLogger) *ExternalCallRepository {
	return &ExternalCallRepository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *ExternalCallRepository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateProcessingCall inserts a new ledger row in PROCESSING state. The
// unique constraint is the last line of defense against a concurrent
// duplicate; a constraint violation surfaces as ErrDuplicateCall.
func (r *ExternalCallRepository) CreateProcessingCall(ctx context.Context, tx *gorm.DB, operationName, entityID string, msg *model.Message) (*model.ExternalCall, error) {
	call := model.NewProcessingCall(operationName, entityID, msg)
	if err := tx.WithContext(ctx).Create(call).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateCall
		}
		return nil, err
	}
	return call, nil
}

// Insert persists a prebuilt row, typically a retroactive failed confirmation.
func (r *ExternalCallRepository) Insert(ctx context.Context, tx *gorm.DB, call *model.ExternalCall) error {
	if err := tx.WithContext(ctx).Create(call).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCall
		}
		return err
	}
	return nil
}

// Get is a point lookup by dedup key. Finding more than one row means the
// unique constraint was violated at some point and is reported, not resolved.
func (r *ExternalCallRepository) Get(ctx context.Context, operationName, entityID string) (*model.ExternalCall, error) {
	var calls []model.ExternalCall
	err := r.db.WithContext(ctx).
		Where("operation_name = ? AND entity_id = ?", operationName, entityID).
		Find(&calls).Error
	if err != nil {
		return nil, err
	}
	switch len(calls) {
	case 0:
		return nil, ErrCallNotFound
	case 1:
		return &calls[0], nil
	default:
		r.log.Errorw("unique constraint violated for external call",
			"operation", operationName, "entity_id", entityID, "rows", len(calls))
		return nil, ErrMultipleCallsFound
	}
}

// LockForProcessing transitions the row to PROCESSING via an optimistic
// check-and-set: it fails fast with ErrOptimisticLock if another worker
// already advanced the row. Used on the hot path.
func (r *ExternalCallRepository) LockForProcessing(ctx context.Context, tx *gorm.DB, call *model.ExternalCall) error {
	if call.State == model.ExtCallProcessing {
		return ErrCallAlreadyLocked
	}
	res := tx.WithContext(ctx).
		Model(&model.ExternalCall{}).
		Where("call_id = ? AND version = ? AND state <> ?", call.ID, call.Version, model.ExtCallProcessing).
		Updates(map[string]interface{}{
			"state":      model.ExtCallProcessing,
			"version":    call.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	call.State = model.ExtCallProcessing
	call.Version++
	return nil
}

// LockConfirmation pessimistically acquires the row before transitioning it to
// PROCESSING. Used when repairing a known-FAILED confirmation, where the
// acquirer would rather wait than race another repairer.
func (r *ExternalCallRepository) LockConfirmation(ctx context.Context, tx *gorm.DB, call *model.ExternalCall) (*model.ExternalCall, error) {
	if call.State == model.ExtCallProcessing {
		return nil, ErrCallAlreadyLocked
	}
	var locked model.ExternalCall
	if err := forUpdate(tx.WithContext(ctx)).Where("call_id = ?", call.ID).First(&locked).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	if locked.State == model.ExtCallProcessing {
		return nil, ErrCallAlreadyLocked
	}
	res := tx.WithContext(ctx).
		Model(&model.ExternalCall{}).
		Where("call_id = ?", locked.ID).
		Updates(map[string]interface{}{
			"state":      model.ExtCallProcessing,
			"version":    locked.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	locked.State = model.ExtCallProcessing
	locked.Version++
	return &locked, nil
}

// UpdateState moves the row to a response state, guarded by its version.
// failedCount is set as given; confirmation retries pass an incremented value.
func (r *ExternalCallRepository) UpdateState(ctx context.Context, tx *gorm.DB, call *model.ExternalCall, state model.ExtCallState, failedCount int) error {
	res := tx.WithContext(ctx).
		Model(&model.ExternalCall{}).
		Where("call_id = ? AND version = ?", call.ID, call.Version).
		Updates(map[string]interface{}{
			"state":        state,
			"failed_count": failedCount,
			"version":      call.Version + 1,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	call.State = state
	call.FailedCount = failedCount
	call.Version++
	return nil
}

// FindDueConfirmation returns the single oldest FAILED confirmation idle for
// longer than the given interval, or nil when none qualifies.
func (r *ExternalCallRepository) FindDueConfirmation(ctx context.Context, idle time.Duration) (*model.ExternalCall, error) {
	limit := time.Now().Add(-idle)
	var calls []model.ExternalCall
	err := r.db.WithContext(ctx).
		Where("operation_name = ? AND state = ? AND updated_at < ?",
			model.ConfirmOperation, model.ExtCallFailed, limit).
		Order("creation_timestamp").
		Limit(1).
		Find(&calls).Error
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, nil
	}
	return &calls[0], nil
}

// FindStaleProcessing returns up to limit PROCESSING rows older than the idle
// threshold: calls that never received a response.
func (r *ExternalCallRepository) FindStaleProcessing(ctx context.Context, idle time.Duration, limit int) ([]model.ExternalCall, error) {
	cutoff := time.Now().Add(-idle)
	var calls []model.ExternalCall
	err := r.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", model.ExtCallProcessing, cutoff).
		Order("call_id").
		Limit(limit).
		Find(&calls).Error
	return calls, err
}
