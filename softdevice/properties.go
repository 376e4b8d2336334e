package softdevice

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Properties describes a Device and the host it emulates on.
type Properties struct {
	Name        string
	MemoryLimit uint64
	Workers     int
	Arch        string

	// HostFeatures lists SIMD features of the host CPU.
	HostFeatures []string
}

// Properties returns the device properties.
func (d *Device) Properties() Properties {
	return Properties{
		Name:         d.cfg.Name,
		MemoryLimit:  d.cfg.MemoryLimit,
		Workers:      d.pool.Workers(),
		Arch:         runtime.GOARCH,
		HostFeatures: hostFeatures(),
	}
}

func hostFeatures() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE2, "sse2")
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return features
}
