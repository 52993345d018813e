// Package analytics computes the weekly donor retention snapshot and the
// engagement reminder scan.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const SnapshotDonorRetention = "donor_retention"

type Snapshot struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	Kind       string         `gorm:"not null" json:"kind"`
	Payload    datatypes.JSON `gorm:"not null" json:"payload"`
	ComputedAt time.Time      `gorm:"not null" json:"computed_at"`
}

func (Snapshot) TableName() string { return "analytics_snapshots" }

type RetentionReport struct {
	donordomain.RetentionCounts
	RetentionRate float64   `json:"retention_rate"`
	ComputedAt    time.Time `json:"computed_at"`
	Pushed        bool      `json:"pushed"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.SyncPolicyHolder
	DonorSvc donordomain.Service
	Pusher   Pusher   `optional:"true"`
	Notifier Notifier `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.SyncPolicyHolder
	donorSvc donordomain.Service
	pusher   Pusher
	notifier Notifier
}

func New(p Params) *Service {
	notifier := p.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(p.Log)
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("analytics"),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		donorSvc: p.DonorSvc,
		pusher:   p.Pusher,
		notifier: notifier,
	}
}

// SnapshotRetention stores the current retention buckets and pushes them as
// gauges when an exporter is configured. A push failure is logged; the
// stored snapshot is the record of truth.
func (s *Service) SnapshotRetention(ctx context.Context) (RetentionReport, error) {
	now := s.clock.Now()
	counts, err := s.donorSvc.Retention(ctx, now)
	if err != nil {
		return RetentionReport{}, err
	}
	report := RetentionReport{
		RetentionCounts: counts,
		RetentionRate:   counts.Rate(),
		ComputedAt:      now,
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return RetentionReport{}, err
	}
	snapshot := Snapshot{
		ID:         s.genID.Generate(),
		Kind:       SnapshotDonorRetention,
		Payload:    datatypes.JSON(payload),
		ComputedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return RetentionReport{}, err
	}

	log := logger.WithContext(ctx, s.log)
	if s.pusher != nil {
		if err := s.pusher.Push(ctx, retentionRegistry(report)); err != nil {
			log.Warn("analytics.retention.push_failed", zap.Error(err))
		} else {
			report.Pushed = true
		}
	}

	log.Info("analytics.retention.snapshot",
		zap.Int64("total", counts.Total),
		zap.Int64("active", counts.Active),
		zap.Int64("at_risk", counts.AtRisk),
		zap.Int64("lapsed", counts.Lapsed),
		zap.Float64("retention_rate", report.RetentionRate),
		zap.Bool("pushed", report.Pushed),
	)
	return report, nil
}

// LatestSnapshot returns the newest snapshot of the given kind, or nil.
func (s *Service) LatestSnapshot(ctx context.Context, kind string) (*Snapshot, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, kind, payload, computed_at
		 FROM analytics_snapshots
		 WHERE kind = ?
		 ORDER BY computed_at DESC, id DESC
		 LIMIT 1`,
		kind,
	).Scan(&snapshot).Error
	if err != nil {
		return nil, err
	}
	if snapshot.ID == 0 {
		return nil, nil
	}
	return &snapshot, nil
}

func retentionRegistry(report RetentionReport) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	donors := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "careledger",
		Name:      "donors",
		Help:      "Donors by retention bucket at the time of the snapshot.",
	}, []string{"bucket"})
	rate := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "careledger",
		Name:      "donor_retention_rate",
		Help:      "Share of donors who donated within the active window, in percent.",
	})
	registry.MustRegister(donors, rate)

	donors.WithLabelValues("total").Set(float64(report.Total))
	donors.WithLabelValues("active").Set(float64(report.Active))
	donors.WithLabelValues("at_risk").Set(float64(report.AtRisk))
	donors.WithLabelValues("lapsed").Set(float64(report.Lapsed))
	rate.Set(report.RetentionRate)
	return registry
}
