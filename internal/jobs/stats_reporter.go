package jobs

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"codecanvas/internal/utils"
)

// StatsSource is what the reporter samples. Count and Snapshot are read
// separately, so a room activated in between shows up in one only.
type StatsSource interface {
	Count() int
	Snapshot() map[string]int
}

type ConnectionCounter interface {
	ConnectionCount() int
}

// StatsReporter logs a presence summary on a cron schedule.
type StatsReporter struct {
	rooms    StatsSource
	conns    ConnectionCounter
	log      *utils.Logger
	schedule string
	cron     *cron.Cron
}

func NewStatsReporter(rooms StatsSource, conns ConnectionCounter, log *utils.Logger, schedule string) *StatsReporter {
	return &StatsReporter{
		rooms:    rooms,
		conns:    conns,
		log:      log,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the report. An empty schedule disables it.
func (s *StatsReporter) Start() error {
	if s.schedule == "" {
		s.log.Info("stats reporter disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.Report); err != nil {
		return fmt.Errorf("failed to schedule stats reporter: %w", err)
	}
	s.cron.Start()
	s.log.Info("stats reporter started", "schedule", s.schedule)
	return nil
}

// Stop waits for a running report to finish.
func (s *StatsReporter) Stop() {
	<-s.cron.Stop().Done()
}

// Report logs one summary.
func (s *StatsReporter) Report() {
	snapshot := s.rooms.Snapshot()
	members, busiest, busiestCount := 0, "", 0
	for id, n := range snapshot {
		members += n
		if n > busiestCount || (n == busiestCount && id < busiest) {
			busiest, busiestCount = id, n
		}
	}
	s.log.Info("presence summary",
		"activeRooms", s.rooms.Count(),
		"activeConnections", s.conns.ConnectionCount(),
		"roomMembers", members,
		"busiestRoom", busiest,
		"busiestRoomMembers", busiestCount,
	)
}
