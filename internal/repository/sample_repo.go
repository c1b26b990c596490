package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSampleNotFound 索引中没有该样本
var ErrSampleNotFound = errors.New("sample not found")

// SampleFilter 列表查询条件
type SampleFilter struct {
	BatchID   string
	Anomalous *bool
	Page      int
	PageSize  int
}

type SampleRepository interface {
	// Upsert 按 sha256 插入或更新
	Upsert(ctx context.Context, record *domain.SampleRecord) error
	FindBySHA256(ctx context.Context, sha256 string) (*domain.SampleRecord, error)
	List(ctx context.Context, filter SampleFilter) ([]*domain.SampleRecord, int64, error)
	CountAnomalous(ctx context.Context, batchID string) (int64, error)
}

type sampleRepo struct {
	db *gorm.DB
}

func NewSampleRepository(db *gorm.DB) SampleRepository {
	return &sampleRepo{db: db}
}

func (r *sampleRepo) Upsert(ctx context.Context, record *domain.SampleRecord) error {
	if record.ExtractedAt == nil {
		now := time.Now().UTC()
		record.ExtractedAt = &now
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "sha256"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"md5", "ssdeep", "apk_name", "package_name", "sdk_version",
				"batch_id", "report_path", "state", "anomalous", "feature_count",
				"error_message", "duration_ms", "extracted_at", "updated_at",
			}),
		}).
		Create(record).Error
}

func (r *sampleRepo) FindBySHA256(ctx context.Context, sha256 string) (*domain.SampleRecord, error) {
	var record domain.SampleRecord
	err := r.db.WithContext(ctx).Where("sha256 = ?", sha256).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSampleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *sampleRepo) List(ctx context.Context, filter SampleFilter) ([]*domain.SampleRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.SampleRecord{})
	if filter.BatchID != "" {
		query = query.Where("batch_id = ?", filter.BatchID)
	}
	if filter.Anomalous != nil {
		query = query.Where("anomalous = ?", *filter.Anomalous)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	var records []*domain.SampleRecord
	err := query.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	return records, total, err
}

func (r *sampleRepo) CountAnomalous(ctx context.Context, batchID string) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&domain.SampleRecord{}).Where("anomalous = ?", true)
	if batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}
	err := query.Count(&count).Error
	return count, err
}
