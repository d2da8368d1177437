package monitoring

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/marild/portfolio-engine/internal/store"
)

// Heartbeat broadcasts liveness and catastrophic failures as rows a
// separate monitor polls. A missed tick surfaces there as a stale row.
type Heartbeat struct {
	repo *store.HeartbeatRepository
	log  zerolog.Logger
}

// NewHeartbeat creates a heartbeat writer.
func NewHeartbeat(repo *store.HeartbeatRepository, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		repo: repo,
		log:  log.With().Str("component", "heartbeat").Logger(),
	}
}

// Beat writes one heartbeat row with a host-resource snapshot attached.
// Heartbeat failures are logged, never propagated: monitoring must not
// take the engine down.
func (h *Heartbeat) Beat(level, message string) {
	if err := h.repo.Append(level, message, hostDetail()); err != nil {
		h.log.Warn().Err(err).Msg("Heartbeat write failed")
	}
}

func hostDetail() string {
	detail := ""
	if vm, err := mem.VirtualMemory(); err == nil {
		detail = fmt.Sprintf("mem_used_pct=%.1f", vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil {
		if detail != "" {
			detail += " "
		}
		detail += fmt.Sprintf("load1=%.2f", avg.Load1)
	}
	return detail
}
