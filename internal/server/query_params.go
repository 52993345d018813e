package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	dateOnlyLayout   = "2006-01-02"
)

func parsePathID(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_id", "invalid "+name)
	}
	return id, nil
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseLimit reads ?limit=, clamped to (0, maxListLimit].
func parseLimit(c *gin.Context, def int) (int, error) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || (limit != nil && *limit <= 0) {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
	}
	if limit == nil {
		return def, nil
	}
	if *limit > maxListLimit {
		return maxListLimit, nil
	}
	return *limit, nil
}

// parseOptionalTime accepts RFC 3339 or a bare date, read as UTC midnight.
func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	parsed, err := time.Parse(dateOnlyLayout, trimmed)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
