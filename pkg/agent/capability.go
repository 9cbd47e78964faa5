package agent

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/chuckstables/fishtest/pkg/models"
)

// Version is reported to the coordinator with every task request.
var Version = "dev"

// DetectCapability describes this machine. A positive concurrency overrides
// the detected core count; it is clamped to the logical CPUs available.
func DetectCapability(concurrency int, nps float64) (models.Capability, error) {
	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}

	capability := models.Capability{
		Concurrency: cores,
		NPS:         int(nps),
		Version:     Version,
	}
	if concurrency > 0 {
		if concurrency > cores {
			return capability, fmt.Errorf("concurrency %d exceeds the %d available cores", concurrency, cores)
		}
		capability.Concurrency = concurrency
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		capability.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		capability.RAMTotalBytes = vm.Total
	}
	return capability, nil
}
