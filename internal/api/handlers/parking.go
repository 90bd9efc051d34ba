package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/service"
)

// createRequest JSON 入场请求
type createRequest struct {
	LicensePlate string            `json:"licensePlate"`
	CardID       string            `json:"cardId"`
	Image        *string           `json:"image"`
	ImageData    *string           `json:"imageData"`
	ImageMeta    *models.ImageMeta `json:"imageMeta"`
	EntryTime    *time.Time        `json:"entryTime"`
}

// exitRequest 出场校验请求
type exitRequest struct {
	CardID           string `json:"cardId"`
	LicensePlate     string `json:"licensePlate"`
	ExitLicensePlate string `json:"exitLicensePlate"`
}

// ListParkingLogs 获取停车记录列表
// GET /api/parking/logs
func (h *Handler) ListParkingLogs(c *gin.Context) {
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	filter.Page = page
	filter.Limit = limit

	list, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusOK, list, "")
}

// GetStats 在场车辆统计
// GET /api/parking/logs/stats
func (h *Handler) GetStats(c *gin.Context) {
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusOK, stats, "")
}

// GetParkingLog 获取停车记录详情
func (h *Handler) GetParkingLog(c *gin.Context) {
	log, err := h.service.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusOK, log, "")
}

// CreateParkingLog 车辆入场，支持 JSON 或 multipart（image 文件）
// POST /api/parking/logs
func (h *Handler) CreateParkingLog(c *gin.Context) {
	var in service.EntryInput

	if c.ContentType() == "multipart/form-data" {
		img, ok := h.readImage(c, "image")
		if !ok {
			return
		}

		in.LicensePlate = c.PostForm("licensePlate")
		in.CardID = c.PostForm("cardId")
		if img != nil {
			data := lpr.DataURL(img.MimeType, img.Data)
			in.ImageData = &data
			in.ImageMeta = &models.ImageMeta{
				MimeType: img.MimeType,
				Size:     int64(len(img.Data)),
				Filename: img.Filename,
			}
		} else if v := c.PostForm("imageData"); v != "" {
			in.ImageData = &v
		}
		if v := c.PostForm("image"); v != "" {
			in.Image = &v
		}
		if v := c.PostForm("entryTime"); v != "" {
			t, err := parseTime(v, false)
			if err != nil {
				respondError(c, service.CodeValidation, "invalid entryTime", gin.H{"field": "entryTime"})
				return
			}
			in.EntryTime = &t
		}
	} else {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, service.CodeValidation, "invalid request body", gin.H{"reason": err.Error()})
			return
		}
		in = service.EntryInput{
			LicensePlate: req.LicensePlate,
			CardID:       req.CardID,
			Image:        req.Image,
			ImageData:    req.ImageData,
			ImageMeta:    req.ImageMeta,
			EntryTime:    req.EntryTime,
		}
	}

	log, err := h.service.CreateEntry(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusCreated, log, "vehicle entry recorded")
}

// UpdateParkingLog 部分更新停车记录
// PUT /api/parking/logs/:id
func (h *Handler) UpdateParkingLog(c *gin.Context) {
	var patch models.ParkingLogPatch
	if err := c.ShouldBindJSON(&patch); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, service.CodeValidation, "invalid request body", gin.H{"reason": err.Error()})
		return
	}

	log, err := h.service.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusOK, log, "parking log updated")
}

// DeleteParkingLog 确认出场并删除记录
// DELETE /api/parking/logs/:id
func (h *Handler) DeleteParkingLog(c *gin.Context) {
	receipt, err := h.service.DeleteByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusOK, receipt, "vehicle exit completed")
}

// ValidateExit 出场车牌校验，不删除记录
// POST /api/parking/logs/exit/validate
func (h *Handler) ValidateExit(c *gin.Context) {
	var req exitRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, service.CodeValidation, "invalid request body", gin.H{"reason": err.Error()})
		return
	}

	plate := req.ExitLicensePlate
	if plate == "" {
		plate = req.LicensePlate
	}

	v, err := h.service.ProcessExit(c.Request.Context(), req.CardID, plate)
	if err != nil {
		var svcErr *service.Error
		if v != nil && errors.As(err, &svcErr) && svcErr.Code == service.CodePlateMismatch {
			// 车牌不一致：返回入场记录供人工比对
			c.JSON(StatusFor(svcErr.Code), gin.H{
				"success": false,
				"error": gin.H{
					"code":    svcErr.Code,
					"message": svcErr.Message,
					"details": svcErr.Details,
				},
				"data": v,
			})
			return
		}
		h.fail(c, err)
		return
	}

	respondOK(c, http.StatusOK, v, "license plate matched")
}

// parseFilter 解析列表过滤条件
func (h *Handler) parseFilter(c *gin.Context) (models.ParkingLogFilter, bool) {
	filter := models.ParkingLogFilter{
		CardID:       c.Query("cardId"),
		LicensePlate: c.Query("licensePlate"),
		Search:       c.Query("search"),
	}

	if v := c.Query("startDate"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			respondError(c, service.CodeValidation, "invalid startDate", gin.H{"field": "startDate"})
			return filter, false
		}
		filter.StartDate = &t
	}
	if v := c.Query("endDate"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			respondError(c, service.CodeValidation, "invalid endDate", gin.H{"field": "endDate"})
			return filter, false
		}
		filter.EndDate = &t
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		respondError(c, service.CodeValidation, "endDate must not be before startDate", nil)
		return filter, false
	}

	return filter, true
}

// parseTime 支持 RFC3339 与 YYYY-MM-DD，日期形式的结束时间取当天最后一刻
func parseTime(v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
