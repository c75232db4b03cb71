package app

import "github.com/shirou/gopsutil/v3/mem"

// UsedMemoryPercent samples system memory usage.
func UsedMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
