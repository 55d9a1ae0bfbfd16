package snapshot

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// CPUSampler measures per-process CPU usage between its own calls. Each
// sampler owns its previous-sample state; two samplers never share cache,
// so callers decide the sampling window by when they call Sample.
type CPUSampler struct {
	procs map[int32]*process.Process
}

func NewCPUSampler() *CPUSampler {
	return &CPUSampler{procs: make(map[int32]*process.Process)}
}

// Sample returns pid to CPU percent since the previous Sample call for
// each pid in pids. The first call for a pid reports 0. Exited pids are
// dropped from the cache.
func (s *CPUSampler) Sample(pids []uint32) map[uint32]float64 {
	out := make(map[uint32]float64, len(pids))
	seen := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		p, ok := s.procs[int32(pid)]
		if !ok {
			np, err := process.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			p = np
			s.procs[int32(pid)] = p
			// Prime the per-process counter; the delta starts now.
			p.Percent(0)
			out[pid] = 0
			seen[int32(pid)] = true
			continue
		}
		seen[int32(pid)] = true
		pct, err := p.Percent(0)
		if err != nil {
			delete(s.procs, int32(pid))
			continue
		}
		out[pid] = pct
	}
	for pid := range s.procs {
		if !seen[pid] {
			delete(s.procs, pid)
		}
	}
	return out
}

// Stats samples host-wide memory, CPU and uptime.
func Stats() (SystemStats, error) {
	var st SystemStats
	vm, err := mem.VirtualMemory()
	if err != nil {
		return st, err
	}
	st.TotalMemoryMB = float64(vm.Total) / (1024.0 * 1024.0)
	st.UsedMemoryMB = float64(vm.Used) / (1024.0 * 1024.0)
	st.MemoryPercent = vm.UsedPercent
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if up, err := host.Uptime(); err == nil {
		st.UptimeSeconds = up
	}
	return st, nil
}
