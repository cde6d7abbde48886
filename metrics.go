package remoteprofile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// バックアップ・リストアの結果ラベル
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultSkipped  = "skipped"
	resultOverlap  = "overlap"
	resultRestored = "restored"
	resultFresh    = "fresh"
)

// Metrics はエンジンのPrometheusメトリクス
// nilのままでも各メソッドは安全に呼べる
type Metrics struct {
	BackupsTotal   *prometheus.CounterVec
	BackupDuration *prometheus.HistogramVec
	ArchiveBytes   *prometheus.GaugeVec
	RestoresTotal  *prometheus.CounterVec
}

// NewMetrics はregへメトリクスを登録する。regがnilならDefaultRegistererを使う
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BackupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remote_profile_backups_total",
				Help: "Backup runs by result",
			},
			[]string{"session", "result"},
		),
		BackupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remote_profile_backup_duration_seconds",
				Help:    "Duration of completed backup runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"session"},
		),
		ArchiveBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remote_profile_archive_bytes",
				Help: "Size of the last uploaded archive",
			},
			[]string{"session"},
		),
		RestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remote_profile_restores_total",
				Help: "Restore runs by result",
			},
			[]string{"session", "result"},
		),
	}
}

func (m *Metrics) recordBackup(session, result string) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(session, result).Inc()
}

func (m *Metrics) recordBackupSuccess(session string, stats ArchiveStats, d time.Duration) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(session, resultSuccess).Inc()
	m.BackupDuration.WithLabelValues(session).Observe(d.Seconds())
	m.ArchiveBytes.WithLabelValues(session).Set(float64(stats.ArchiveSize))
}

func (m *Metrics) recordRestore(session, result string) {
	if m == nil {
		return
	}
	m.RestoresTotal.WithLabelValues(session, result).Inc()
}
