package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ReportReader 读取已持久化的报告
type ReportReader interface {
	LoadBytes(sha256 string) ([]byte, error)
}

// ReportHandler 报告处理器
type ReportHandler struct {
	reports ReportReader
	logger  *logrus.Logger
}

// NewReportHandler 创建报告处理器实例
func NewReportHandler(reports ReportReader, logger *logrus.Logger) *ReportHandler {
	return &ReportHandler{
		reports: reports,
		logger:  logger,
	}
}

// GetReport 获取样本的特征报告
// GET /api/v1/reports/:sha256
// 报告文件按原样返回，不重新编码
func (h *ReportHandler) GetReport(c *gin.Context) {
	sha := c.Param("sha256")
	if !sha256Pattern.MatchString(sha) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sha256"})
		return
	}

	data, err := h.reports.LoadBytes(strings.ToUpper(sha))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("sha256", sha).Error("Failed to read report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read report"})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}
