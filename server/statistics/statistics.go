// SPDX-License-Identifier: ice License 1.0

package statistics

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jamiealquiza/tachymeter"
	"github.com/rcrowley/go-metrics"
)

type (
	Statistics interface {
		io.Closer
		Inc(counter string)
		ObserveFile(size int64)
		ObserveTick(elapsed time.Duration)
		Snapshot() *Snapshot
	}
	Config struct {
		// DumpPath receives the registry as JSON every DumpInterval and on Close, empty means the log.
		DumpPath     string
		DumpInterval time.Duration
		Enabled      bool
	}
	Snapshot struct {
		Metrics map[string]map[string]any `json:"metrics"`
		Tick    *TickLatency              `json:"tick,omitempty"`
	}
	TickLatency struct {
		Count int           `json:"count"`
		Avg   time.Duration `json:"avg"`
		P50   time.Duration `json:"p50"`
		P95   time.Duration `json:"p95"`
		P99   time.Duration `json:"p99"`
		Max   time.Duration `json:"max"`
	}
	statistics struct {
		metrics metrics.Registry
		ticks   *tachymeter.Tachymeter
		done    chan struct{}
		cfg     Config
		wg      sync.WaitGroup
	}
	noopStats struct{}
)

const (
	ConnectionsAccepted = "connections.accepted"
	ConnectionsRejected = "connections.rejected"
	ConnectionsClosed   = "connections.closed"
	NotificationsSent   = "notifications.sent"
	NotificationsReset  = "notifications.reset"
	LimitClosures       = "notifications.limitClosures"
	FilesServed         = "files.served"
	fileSize            = "files.size"
	tickDuration        = "tick.duration"

	tickWindow = 1000
)

func (*noopStats) Close() error { return nil }
func (*noopStats) Inc(string) {}
func (*noopStats) ObserveFile(int64) {}
func (*noopStats) ObserveTick(time.Duration) {}
func (*noopStats) Snapshot() *Snapshot { return &Snapshot{Metrics: map[string]map[string]any{}} }

func New(cfg *Config) Statistics {
	if cfg == nil || !cfg.Enabled {
		return &noopStats{}
	}
	s := &statistics{
		cfg:     *cfg,
		metrics: metrics.NewRegistry(),
		ticks:   tachymeter.New(&tachymeter.Config{Size: tickWindow}),
		done:    make(chan struct{}),
	}
	for _, counter := range []string{
		ConnectionsAccepted, ConnectionsRejected, ConnectionsClosed,
		NotificationsSent, NotificationsReset, LimitClosures, FilesServed,
	} {
		if err := s.metrics.Register(counter, metrics.NewCounter()); err != nil {
			log.Panic(errors.Wrapf(err, "failed to register metric %v", counter))
		}
	}
	if err := s.metrics.Register(fileSize, metrics.NewHistogram(metrics.NewExpDecaySample(10000, 0.15))); err != nil {
		log.Panic(errors.Wrapf(err, "failed to register metric %v", fileSize))
	}
	if err := s.metrics.Register(tickDuration, metrics.NewTimer()); err != nil {
		log.Panic(errors.Wrapf(err, "failed to register metric %v", tickDuration))
	}
	if s.cfg.DumpInterval > 0 {
		s.wg.Add(1)
		go s.dumpPeriodically()
	}

	return s
}

func (s *statistics) dumpPeriodically() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeJSON()
		}
	}
}

func (s *statistics) writeJSON() {
	if s.cfg.DumpPath == "" {
		metrics.WriteJSONOnce(s.metrics, log.Writer())

		return
	}
	statsFile, err := os.OpenFile(s.cfg.DumpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // .
	if err != nil {
		log.Printf("ERROR: %v", errors.Wrapf(err, "failed to open %v for stats collection", s.cfg.DumpPath))

		return
	}
	defer func() {
		if cErr := statsFile.Close(); cErr != nil {
			log.Printf("ERROR: %v", errors.Wrapf(cErr, "failed to close %v", s.cfg.DumpPath))
		}
	}()
	metrics.WriteJSONOnce(s.metrics, statsFile)
}

func (s *statistics) Close() error {
	close(s.done)
	s.wg.Wait()
	s.writeJSON()

	return nil
}

func (s *statistics) Inc(counter string) {
	s.metrics.GetOrRegister(counter, metrics.NewCounter).(metrics.Counter).Inc(1) //nolint:forcetypeassert // .
}

func (s *statistics) ObserveFile(size int64) {
	s.Inc(FilesServed)
	s.metrics.Get(fileSize).(metrics.Histogram).Update(size) //nolint:forcetypeassert // .
}

func (s *statistics) ObserveTick(elapsed time.Duration) {
	s.metrics.Get(tickDuration).(metrics.Timer).Update(elapsed) //nolint:forcetypeassert // .
	s.ticks.AddTime(elapsed)
}

func (s *statistics) Snapshot() *Snapshot {
	snapshot := &Snapshot{Metrics: s.metrics.GetAll()}
	if s.metrics.Get(tickDuration).(metrics.Timer).Count() == 0 { //nolint:forcetypeassert // .
		return snapshot
	}
	calc := s.ticks.Calc()
	snapshot.Tick = &TickLatency{
		Count: calc.Samples,
		Avg:   calc.Time.Avg,
		P50:   calc.Time.P50,
		P95:   calc.Time.P95,
		P99:   calc.Time.P99,
		Max:   calc.Time.Max,
	}

	return snapshot
}
