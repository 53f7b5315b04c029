package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOptimisticLock is returned when a versioned update hits a row another
// worker already advanced. Tagged retryable so it re-drives the normal retry
// path instead of failing the message.
var ErrOptimisticLock = errs.New(errs.CodeLocking, "optimistic lock conflict")

// ErrMessageNotFound is returned by point lookups that matched no row.
var ErrMessageNotFound = errs.New(errs.CodeNotFound, "message not found")

const msgCacheTTL = 10 * time.Minute

// MessageRepository is the persistence surface for Message entities.
type MessageRepository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewMessageRepository constructs repo.
func NewMessageRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *MessageRepository {
	return &MessageRepository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *MessageRepository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// forUpdate applies a row lock where the dialect supports it. The sqlite
// driver used in tests has no FOR UPDATE; single-connection serialization
// covers it there.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Insert persists a new message.
func (r *MessageRepository) Insert(ctx context.Context, tx *gorm.DB, msg *model.Message) error {
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = time.Now()
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// FindByID loads a message by id.
func (r *MessageRepository) FindByID(ctx context.Context, id uint64) (*model.Message, error) {
	var m model.Message
	if err := r.db.WithContext(ctx).Where("msg_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindByIDForUpdate locks the message row inside tx.
func (r *MessageRepository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Message, error) {
	var m model.Message
	if err := forUpdate(tx.WithContext(ctx)).Where("msg_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindByCorrelationID looks a message up by caller-supplied correlation id,
// optionally narrowed to one source system. Used for idempotent intake.
func (r *MessageRepository) FindByCorrelationID(ctx context.Context, correlationID, sourceSystem string) (*model.Message, error) {
	q := r.db.WithContext(ctx).Where("correlation_id = ?", correlationID)
	if sourceSystem != "" {
		q = q.Where("source_system = ?", sourceSystem)
	}
	var m model.Message
	if err := q.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

// UpdateWithVersion applies fields to the message row guarded by its version
// counter. The version bump and updated_at refresh ride along every write.
func (r *MessageRepository) UpdateWithVersion(ctx context.Context, tx *gorm.DB, msg *model.Message, fields map[string]interface{}) error {
	fields["version"] = msg.Version + 1
	fields["updated_at"] = time.Now()
	res := tx.WithContext(ctx).
		Model(&model.Message{}).
		Where("msg_id = ? AND version = ?", msg.ID, msg.Version).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	msg.Version++
	return nil
}

// funnelValueMatch builds the LIKE disjunction matching any of the funnel
// values against the delimited funnel_value column.
func funnelValueMatch(q *gorm.DB, values []string) *gorm.DB {
	conds := make([]string, 0, len(values))
	args := make([]interface{}, 0, len(values)*4)
	for _, v := range values {
		conds = append(conds,
			"funnel_value = ? OR funnel_value LIKE ? OR funnel_value LIKE ? OR funnel_value LIKE ?")
		args = append(args, v, v+",%", "%,"+v, "%,"+v+",%")
	}
	return q.Where("("+strings.Join(conds, " OR ")+")", args...)
}

// FindProcessingForFunnel returns in-flight messages competing with the given
// funnel component and value set, ordered by msg_timestamp. Rows are locked so
// the caller's admit-or-postpone decision cannot race a sibling's. An empty
// value set matches nothing.
func (r *MessageRepository) FindProcessingForFunnel(ctx context.Context, tx *gorm.DB, funnelCompID string, funnelValues []string, excludeMsgID uint64, excludeFailed bool) ([]model.Message, error) {
	if len(funnelValues) == 0 {
		return nil, nil
	}

	states := []model.MsgState{model.StateProcessing}
	if !excludeFailed {
		states = append(states, model.StateFailed)
	}

	q := forUpdate(tx.WithContext(ctx)).
		Where("funnel_component_id = ?", funnelCompID).
		Where("state IN ?", states).
		Where("msg_id <> ?", excludeMsgID)
	q = funnelValueMatch(q, funnelValues)

	var msgs []model.Message
	err := q.Order("msg_timestamp").Find(&msgs).Error
	return msgs, err
}

// FindStaleProcessing returns messages abandoned in PROCESSING, i.e. not
// touched for longer than idle. Candidates for the repair job.
func (r *MessageRepository) FindStaleProcessing(ctx context.Context, idle time.Duration) ([]model.Message, error) {
	limit := time.Now().Add(-idle)
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", model.StateProcessing, limit).
		Order("msg_id").
		Find(&msgs).Error
	return msgs, err
}

// FindChildren loads all child messages of the given parent, row-locked when
// called inside a cascade transaction.
func (r *MessageRepository) FindChildren(ctx context.Context, tx *gorm.DB, parentID uint64) ([]model.Message, error) {
	var msgs []model.Message
	err := forUpdate(tx.WithContext(ctx)).Where("parent_msg_id = ?", parentID).Find(&msgs).Error
	return msgs, err
}

// CountByState counts messages in the given state, optionally only those
// updated within the last interval.
func (r *MessageRepository) CountByState(ctx context.Context, state model.MsgState, interval time.Duration) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Message{}).Where("state = ?", state)
	if interval > 0 {
		q = q.Where("updated_at >= ?", time.Now().Add(-interval))
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// CacheMessageID stores the correlation id -> message id mapping for the
// intake duplicate fast path.
func (r *MessageRepository) CacheMessageID(ctx context.Context, sourceSystem, correlationID string, msgID uint64) error {
	if r.rdb == nil {
		return nil
	}
	key := fmt.Sprintf("msg:%s:%s", sourceSystem, correlationID)
	return r.rdb.Set(ctx, key, msgID, msgCacheTTL).Err()
}

// GetCachedMessageID reads the correlation id mapping from Redis.
func (r *MessageRepository) GetCachedMessageID(ctx context.Context, sourceSystem, correlationID string) (uint64, error) {
	if r.rdb == nil {
		return 0, redis.Nil
	}
	key := fmt.Sprintf("msg:%s:%s", sourceSystem, correlationID)
	return r.rdb.Get(ctx, key).Uint64()
}
