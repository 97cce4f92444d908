// repository/event_log_store.go
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"game-reward-ledger/models"

	"gorm.io/gorm"
)

// EventLogStore is the append-only log of ledger events already observed.
type EventLogStore struct {
	DB *gorm.DB
}

func NewEventLogStore(db *gorm.DB) *EventLogStore {
	return &EventLogStore{DB: db}
}

func (s *EventLogStore) Exists(ctx context.Context, contract, txRef string, logIndex uint) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("contract_address = ? AND transaction_ref = ? AND log_index = ?",
			strings.ToLower(contract), strings.ToLower(txRef), logIndex).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup event %s: %w", models.EventKey(contract, txRef, logIndex), err)
	}
	return count > 0, nil
}

// Insert stores a new, unprocessed event. A second insert of the same dedup
// key fails with ErrDuplicate.
func (s *EventLogStore) Insert(ctx context.Context, rec *models.LedgerEventRecord) error {
	rec.ContractAddress = strings.ToLower(rec.ContractAddress)
	rec.TransactionRef = strings.ToLower(rec.TransactionRef)
	rec.Wallet = strings.ToLower(rec.Wallet)
	rec.Processed = false
	if err := s.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert event %s: %w", rec.Key(), translate(err))
	}
	return nil
}

func (s *EventLogStore) FindByID(ctx context.Context, id uint) (*models.LedgerEventRecord, error) {
	var rec models.LedgerEventRecord
	if err := s.DB.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

func (s *EventLogStore) FindByKey(ctx context.Context, contract, txRef string, logIndex uint) (*models.LedgerEventRecord, error) {
	var rec models.LedgerEventRecord
	err := s.DB.WithContext(ctx).
		Where("contract_address = ? AND transaction_ref = ? AND log_index = ?",
			strings.ToLower(contract), strings.ToLower(txRef), logIndex).
		First(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

func (s *EventLogStore) MarkProcessed(ctx context.Context, id uint, at time.Time) error {
	err := s.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": at}).Error
	if err != nil {
		return fmt.Errorf("mark event %d processed: %w", id, err)
	}
	return nil
}

// ListUnprocessed returns events seen but never fully applied, oldest block first.
func (s *EventLogStore) ListUnprocessed(ctx context.Context, limit int) ([]models.LedgerEventRecord, error) {
	var out []models.LedgerEventRecord
	err := s.DB.WithContext(ctx).
		Where("processed = ?", false).
		Order("block_height ASC").
		Order("log_index ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}
	return out, nil
}

// MaxBlock is the highest block with a recorded event.
func (s *EventLogStore) MaxBlock(ctx context.Context) (int64, error) {
	var max int64
	err := s.DB.WithContext(ctx).Model(&models.LedgerEventRecord{}).
		Select("COALESCE(MAX(block_height), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("max event block: %w", err)
	}
	return max, nil
}
