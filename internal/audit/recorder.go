package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// Recorder appends security events to the audit trail. Recording is
// best-effort: failures are logged and never fail the calling operation.
type Recorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

const insertEventSQL = `INSERT INTO security_events
	(event_bucket, account_id, event_type, event_time, ip_address, detail)
	VALUES (?, ?, ?, ?, ?, ?)`

// ClickHouseRecorder writes events through ClickHouse async inserts so
// request latency does not wait on batch flushes.
type ClickHouseRecorder struct {
	client    *client.ClickHouseClient
	bucketing *bucketing.Manager
}

func NewClickHouseRecorder(chClient *client.ClickHouseClient, bucketingMgr *bucketing.Manager) *ClickHouseRecorder {
	return &ClickHouseRecorder{client: chClient, bucketing: bucketingMgr}
}

func (r *ClickHouseRecorder) Record(ctx context.Context, event models.SecurityEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	if event.EventBucket == 0 && event.AccountID != "" {
		event.EventBucket = r.bucketing.AccountBucket(event.AccountID)
	}

	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := r.client.Conn.AsyncInsert(insertCtx, insertEventSQL, false,
		event.EventBucket, event.AccountID, event.EventType,
		event.EventTime, event.IPAddress, event.Detail)
	if err != nil {
		util.Warn("failed to record security event",
			zap.String("event_type", event.EventType),
			zap.String("account_id", event.AccountID),
			zap.Error(err))
	}
}

// NopRecorder drops events. Used when the audit trail is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, event models.SecurityEvent) {}
