package builder

import (
	"os"
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bft-labs/crashship/internal/domain"
)

// CollectDevice gathers host metadata. Fields that cannot be read stay empty.
func CollectDevice() domain.Device {
	d := domain.Device{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	if info, err := host.Info(); err == nil {
		d.Hostname = info.Hostname
		d.Platform = info.Platform
		d.PlatformVersion = info.PlatformVersion
		d.KernelVersion = info.KernelVersion
		if info.KernelArch != "" {
			d.Arch = info.KernelArch
		}
	} else if h, err := os.Hostname(); err == nil {
		d.Hostname = h
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		d.CPUs = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		d.MemoryTotal = vm.Total
		d.MemoryAvailable = vm.Available
	}
	return d
}

// CollectApp describes the running binary.
func CollectApp() domain.App {
	a := domain.App{
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
	}
	if exe, err := os.Executable(); err == nil {
		a.Executable = exe
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		a.Module = info.Main.Path
		a.Version = info.Main.Version
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				a.Revision = s.Value
			}
		}
	}
	return a
}

// ProcessAlive reports whether another process with the given id runs.
func ProcessAlive(pid int) bool {
	if pid <= 0 || pid == os.Getpid() {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
