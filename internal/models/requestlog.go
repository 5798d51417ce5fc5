package models

import (
	"time"
)

// Represents one request handled by the gateway
type RequestLog struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
	RequestID      string    `gorm:"size:64;index" json:"request_id"`
	Identity       string    `gorm:"size:255;index" json:"identity"`
	Method         string    `gorm:"size:16" json:"method"`
	Path           string    `gorm:"index" json:"path"`
	StatusCode     int       `gorm:"index" json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	Stage          string    `gorm:"size:32;index" json:"stage"`
	CacheStatus    string    `gorm:"size:8" json:"cache_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
}

func (RequestLog) TableName() string {
	return "request_logs"
}
