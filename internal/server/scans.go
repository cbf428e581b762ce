// ABOUTME: HTTP handler listing recent scan results per image.
// ABOUTME: Supports filtering by image, alert state, and a result limit.

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jfeddern/ScanRelay/internal/cache"

	"github.com/sirupsen/logrus"
)

type ScanDataProvider interface {
	List(filter cache.Filter) []cache.ScanRecord
}

type ScansHandler struct {
	provider ScanDataProvider
	logger   *logrus.Logger
}

type ScansResponse struct {
	Scans   []cache.ScanRecord `json:"scans"`
	Summary ScanSummary        `json:"summary"`
}

type ScanSummary struct {
	TotalImages       int            `json:"total_images"`
	ImagesWithAlerts  int            `json:"images_with_alerts"`
	PullFailures      int            `json:"pull_failures"`
	AlertsByScanner   map[string]int `json:"alerts_by_scanner"`
	FailuresByScanner map[string]int `json:"failures_by_scanner"`
}

func NewScansHandler(provider ScanDataProvider, logger *logrus.Logger) *ScansHandler {
	return &ScansHandler{provider: provider, logger: logger}
}

func (s *ScansHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.WithField("endpoint", "/scans")

	imageFilter := strings.TrimSpace(r.URL.Query().Get("image"))
	alertParam := strings.TrimSpace(r.URL.Query().Get("alert"))
	limitParam := strings.TrimSpace(r.URL.Query().Get("limit"))

	// Validate image filter length to prevent potential DoS
	if len(imageFilter) > 512 {
		http.Error(w, "Image filter too long. Maximum allowed is 512 characters", http.StatusBadRequest)
		return
	}

	var alertFilter *bool
	if alertParam != "" {
		parsed, err := strconv.ParseBool(alertParam)
		if err != nil {
			http.Error(w, "Invalid alert filter. Must be true or false", http.StatusBadRequest)
			return
		}
		alertFilter = &parsed
	}

	limit := 0
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit parameter. Must be a positive integer", http.StatusBadRequest)
			return
		}
		if parsed > 10000 {
			http.Error(w, "Limit parameter too large. Maximum allowed is 10000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	all := s.provider.List(cache.Filter{})
	scans := s.provider.List(cache.Filter{Image: imageFilter, Alert: alertFilter, Limit: limit})

	summary := ScanSummary{
		TotalImages:       len(all),
		AlertsByScanner:   map[string]int{},
		FailuresByScanner: map[string]int{},
	}
	for _, record := range all {
		if record.Alert {
			summary.ImagesWithAlerts++
		}
		if !record.Pulled {
			summary.PullFailures++
		}
		if record.Snapshot == nil {
			continue
		}
		for scanner, alert := range record.Snapshot.Alert {
			if alert {
				summary.AlertsByScanner[scanner]++
			}
			// failed scanners carry a message but no result file
			if _, ok := record.Snapshot.LogsFilePath[scanner]; !ok {
				summary.FailuresByScanner[scanner]++
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"image_filter": imageFilter,
		"alert_filter": alertParam,
		"limit":        limit,
		"total_images": len(all),
	}).Debug("Processing scans request")

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	if r.URL.Query().Get("pretty") != "" {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(ScansResponse{Scans: scans, Summary: summary}); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.WithField("returned", len(scans)).Debug("Served scans response")
}
