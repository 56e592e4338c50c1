package platform

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
)

// RealDetector implements Detector using actual platform detection.
type RealDetector struct{}

// NewDetector creates a new platform detector.
func NewDetector() Detector {
	return &RealDetector{}
}

// Detect uses runtime.GOOS and runtime.GOARCH for OS and architecture and
// gopsutil for Linux distribution details and the logical CPU count.
//
// Distribution and CPU detection failures fall back to empty distro fields
// and runtime.NumCPU. Only context cancellation is reported as an error.
func (d *RealDetector) Detect(ctx context.Context) (*Info, error) {
	info := &Info{
		OS:      OS(runtime.GOOS),
		ArchRaw: runtime.GOARCH,
		Arch:    normalizeArch(runtime.GOARCH),
	}

	if info.OS == Linux {
		distro, family, version, err := host.PlatformInformationWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
			}
		} else if distro = normalizePlatform(distro); distro != "" {
			info.DistroID = distro
			info.Family = mapFamily(family)
			info.Version = normalizePlatform(version)
		}
	}

	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}
		n = runtime.NumCPU()
	}
	info.CPUs = n

	return info, nil
}
