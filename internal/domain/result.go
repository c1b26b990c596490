package domain

import "time"

// TaskResult 单个样本任务的结果
type TaskResult struct {
	Sample     *Sample
	Vector     *FeatureVector
	ReportPath string
	LogPath    string      // 任务日志路径，异常检测读取
	State      TaskState   // 最终状态
	History    []TaskState // 状态迁移历史
	Anomalous  bool        // 任务失败或被标记异常
	Skipped    bool        // 报告已存在且不覆盖
	Dropped    bool        // 取消时尚未开始，被调度器丢弃
	Err        error
	Duration   time.Duration
}

// BatchResult 批处理结果
type BatchResult struct {
	BatchID             string
	ProcessedCount      int
	AnomalyCount        int
	AnomalyManifestPath string
	Results             []*TaskResult
}

// AnomalyRecord 异常样本记录
type AnomalyRecord struct {
	SampleID string   // 原始样本文件名
	Lines    []string // 被判定为错误或警告的日志行
	Reason   string
}

// SampleRecord 样本索引表，每个样本一行
type SampleRecord struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SHA256       string     `gorm:"type:varchar(64);uniqueIndex:uk_sha256;not null" json:"sha256"`
	MD5          string     `gorm:"type:varchar(32)" json:"md5"`
	SSDeep       string     `gorm:"column:ssdeep;type:varchar(255)" json:"ssdeep"`
	APKName      string     `gorm:"type:varchar(255);index:idx_apk_name" json:"apk_name"`
	PackageName  string     `gorm:"type:varchar(255);index:idx_package_name" json:"package_name"`
	SDKVersion   string     `gorm:"type:varchar(20)" json:"sdk_version"`
	BatchID      string     `gorm:"type:varchar(36);index:idx_batch_id" json:"batch_id,omitempty"`
	ReportPath   string     `gorm:"type:varchar(1024)" json:"report_path"`
	State        TaskState  `gorm:"type:varchar(20)" json:"state"`
	Anomalous    bool       `gorm:"default:false;index:idx_anomalous" json:"anomalous"`
	FeatureCount int        `gorm:"default:0" json:"feature_count"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	ExtractedAt  *time.Time `json:"extracted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (SampleRecord) TableName() string {
	return "drebin_samples"
}
