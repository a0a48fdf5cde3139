package outbox

import (
	"context"
	"encoding/json"
	"time"

	"trustwork/pkg/kafka"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event is a domain event persisted in the same transaction as the state change it describes.
type Event struct {
	ID            string         `gorm:"column:id;primaryKey"`
	AggregateType string         `gorm:"column:aggregate_type;index"`
	AggregateID   string         `gorm:"column:aggregate_id;index"`
	EventType     string         `gorm:"column:event_type"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	Attempts      int            `gorm:"column:attempts"`
	LastError     string         `gorm:"column:last_error"`
	PublishedAt   *time.Time     `gorm:"column:published_at;index"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (Event) TableName() string { return "outbox_events" }

// Writer appends events inside a caller-owned transaction.
type Writer interface {
	Write(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType string, payload any) error
}

// Publisher delivers an event downstream.
type Publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

var Module = fx.Module("outbox",
	fx.Provide(
		NewWriter,
	),
)

var DispatcherModule = fx.Module("outbox.dispatcher",
	fx.Provide(
		fx.Annotate(func(p *kafka.Producer) Publisher { return p }),
		NewDispatcher,
		fx.Annotate(NewTaskHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewPeriodic, fx.ResultTags(`group:"asynq.periodic"`)),
	),
)

type writer struct {
	node *snowflake.Node
}

func NewWriter(node *snowflake.Node) Writer {
	return &writer{node: node}
}

func (w *writer) Write(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Create(&Event{
		ID:            w.node.Generate().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       datatypes.JSON(body),
		CreatedAt:     time.Now().UTC(),
	}).Error
}

const batchSize = 100

type Dispatcher struct {
	db        *gorm.DB
	publisher Publisher
}

func NewDispatcher(db *gorm.DB, publisher Publisher) *Dispatcher {
	return &Dispatcher{db: db, publisher: publisher}
}

// Dispatch publishes pending events oldest first and returns how many were delivered.
// A failed event keeps its place and blocks later events of the same aggregate until it goes through.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	var published int
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []Event
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("published_at IS NULL").
			Order("created_at ASC, id ASC").
			Limit(batchSize).
			Find(&events).Error; err != nil {
			return err
		}

		blocked := map[string]bool{}
		for i := range events {
			ev := &events[i]
			if blocked[ev.AggregateID] {
				continue
			}

			err := d.publisher.Publish(ctx, kafka.Message{
				Key:   ev.AggregateID,
				Value: ev.Payload,
				Headers: map[string]string{
					"event_id":       ev.ID,
					"event_type":     ev.EventType,
					"aggregate_type": ev.AggregateType,
				},
			})
			if err != nil {
				blocked[ev.AggregateID] = true
				zap.L().Warn("outbox publish failed", zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType), zap.Error(err))
				if uerr := tx.Model(&Event{}).Where("id = ?", ev.ID).Updates(map[string]any{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": err.Error(),
				}).Error; uerr != nil {
					return uerr
				}
				continue
			}

			now := time.Now().UTC()
			if err := tx.Model(&Event{}).Where("id = ?", ev.ID).Update("published_at", now).Error; err != nil {
				return err
			}
			published++
		}
		return nil
	})

	return published, err
}
