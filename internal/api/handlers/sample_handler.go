package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxPageSize = 100

// SampleHandler 样本索引处理器
type SampleHandler struct {
	repo   repository.SampleRepository
	logger *logrus.Logger
}

// NewSampleHandler 创建样本索引处理器实例
func NewSampleHandler(repo repository.SampleRepository, logger *logrus.Logger) *SampleHandler {
	return &SampleHandler{
		repo:   repo,
		logger: logger,
	}
}

// ListSamples 获取样本列表
// GET /api/v1/samples?page=1&page_size=20&batch_id=xxx&anomalous=true
func (h *SampleHandler) ListSamples(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := repository.SampleFilter{
		BatchID:  c.Query("batch_id"),
		Page:     page,
		PageSize: pageSize,
	}
	if v := c.Query("anomalous"); v != "" {
		anomalous, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "anomalous must be a boolean"})
			return
		}
		filter.Anomalous = &anomalous
	}

	records, total, err := h.repo.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list samples")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list samples"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetSample 按 sha256 获取索引记录
// GET /api/v1/samples/:sha256
func (h *SampleHandler) GetSample(c *gin.Context) {
	sha := c.Param("sha256")
	if !sha256Pattern.MatchString(sha) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sha256"})
		return
	}

	record, err := h.repo.FindBySHA256(c.Request.Context(), strings.ToUpper(sha))
	if errors.Is(err, repository.ErrSampleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sample not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get sample")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get sample"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetStats 异常样本统计
// GET /api/v1/stats?batch_id=xxx
func (h *SampleHandler) GetStats(c *gin.Context) {
	batchID := c.Query("batch_id")
	anomalous, err := h.repo.CountAnomalous(c.Request.Context(), batchID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to count anomalous samples")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":  batchID,
		"anomalous": anomalous,
	})
}
