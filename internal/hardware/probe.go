package hardware

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// probeTimeout caps every external probe command.
const probeTimeout = 10 * time.Second

// Prober captures a hardware snapshot. It is an interface so tests and
// headless deployments can substitute a fixed profile.
type Prober interface {
	Probe(ctx context.Context) (Profile, error)
	// OnBattery is the cheap re-check used for staleness detection without a
	// full probe.
	OnBattery(ctx context.Context) bool
}

// SystemProber probes the host through platform commands: nvidia-smi,
// rocm-smi, system_profiler, lspci and the proc/sysfs trees.
type SystemProber struct {
	// ModelDir is the directory whose volume is checked for free space.
	ModelDir string
}

func (sp *SystemProber) Probe(ctx context.Context) (Profile, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	p := Profile{
		Platform:   runtime.GOOS,
		CPUCores:   runtime.NumCPU(),
		RAMGB:      probeRAMGB(ctx),
		DiskFreeGB: probeDiskFreeGB(ctx, sp.ModelDir),
		OnBattery:  sp.OnBattery(ctx),
		CapturedAt: time.Now().UTC(),
	}

	name, accelGB, kind := probeGPU(ctx)
	p.GPUName = name
	p.AccelGB = accelGB
	p.AccelKind = kind

	// Apple Silicon shares RAM with the GPU. Machines with 16GB+ of unified
	// memory get roughly three quarters of it as accelerator memory.
	if runtime.GOOS == "darwin" && p.AccelGB == 0 && p.RAMGB >= 16 {
		p.AccelGB = p.RAMGB * 0.75
		p.AccelKind = AccelMetal
	}

	return p, nil
}

func (sp *SystemProber) OnBattery(ctx context.Context) bool {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.CommandContext(ctx, "pmset", "-g", "batt").Output()
		return err == nil && strings.Contains(string(out), "Battery Power")
	case "linux":
		entries, err := os.ReadDir("/sys/class/power_supply")
		if err != nil {
			return false
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "BAT") {
				continue
			}
			status, err := os.ReadFile(filepath.Join("/sys/class/power_supply", e.Name(), "status"))
			if err == nil && strings.EqualFold(strings.TrimSpace(string(status)), "discharging") {
				return true
			}
		}
	}
	return false
}

// UsedMemoryFraction returns the share of physical memory in use, 0 when the
// platform gives no answer.
func (sp *SystemProber) UsedMemoryFraction(ctx context.Context) float64 {
	switch runtime.GOOS {
	case "darwin":
		// memory_pressure prints "System-wide memory free percentage: NN%".
		out, err := exec.CommandContext(ctx, "memory_pressure", "-Q").Output()
		if err != nil {
			return 0
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, "free percentage") {
				continue
			}
			if free, ok := lastNumberBefore(line, "%"); ok {
				return 1 - free/100
			}
		}
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0
		}
		var totalKB, availKB float64
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(line, "MemTotal:"):
				totalKB = v
			case strings.HasPrefix(line, "MemAvailable:"):
				availKB = v
			}
		}
		if totalKB > 0 {
			return 1 - availKB/totalKB
		}
	}
	return 0
}

func probeRAMGB(ctx context.Context) float64 {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output()
		if err != nil {
			return 0
		}
		bytes, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
		if err != nil {
			return 0
		}
		return float64(bytes) / (1 << 30)
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0
		}
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "MemTotal:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return float64(kb) / (1 << 20)
		}
	}
	return 0
}

// probeGPU tries NVIDIA, then AMD, then the macOS display profiler, then a
// bare lspci name lookup.
func probeGPU(ctx context.Context) (string, float64, AccelKind) {
	if name, vram, ok := probeNvidia(ctx); ok {
		return name, vram, AccelCUDA
	}
	if name, vram, ok := probeROCm(ctx); ok {
		return name, vram, AccelROCm
	}
	if runtime.GOOS == "darwin" {
		if name, vram, ok := probeMacGPU(ctx); ok {
			return name, vram, AccelMetal
		}
	}
	if runtime.GOOS == "linux" {
		if name, vram, ok := probeLspci(ctx); ok {
			kind := AccelNone
			if vram > 0 {
				kind = AccelCUDA
			}
			return name, vram, kind
		}
	}
	return "", 0, AccelNone
}

func probeNvidia(ctx context.Context) (string, float64, bool) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil || len(out) == 0 {
		return "", 0, false
	}

	line := strings.TrimSpace(strings.Split(string(out), "\n")[0])
	parts := strings.SplitN(line, ",", 2)
	if len(parts) < 2 {
		return "", 0, false
	}

	name := strings.TrimSpace(parts[0])
	vramMB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return name, 0, name != ""
	}
	return name, vramMB / 1024, true
}

func probeROCm(ctx context.Context) (string, float64, bool) {
	out, err := exec.CommandContext(ctx, "rocm-smi",
		"--showproductname", "--showmeminfo", "vram", "--csv").Output()
	if err != nil {
		return "", 0, false
	}

	var name string
	var vramGB float64
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "Card series") || strings.Contains(line, "card_series") {
			if fields := strings.Split(line, ","); len(fields) > 1 {
				name = strings.TrimSpace(fields[1])
			}
		}
		if strings.Contains(line, "Total") && strings.Contains(strings.ToLower(line), "vram") {
			fields := strings.Split(line, ",")
			if mb, err := strconv.ParseFloat(strings.TrimSpace(fields[len(fields)-1]), 64); err == nil {
				vramGB = mb / 1024
			}
		}
	}
	if name == "" && vramGB == 0 {
		return "", 0, false
	}
	if name == "" {
		name = "AMD GPU (ROCm)"
	}
	return name, vramGB, true
}

func probeMacGPU(ctx context.Context) (string, float64, bool) {
	out, err := exec.CommandContext(ctx, "system_profiler", "SPDisplaysDataType").Output()
	if err != nil {
		return "", 0, false
	}

	var name string
	var vramGB float64
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "Chipset Model:"); ok {
			name = strings.TrimSpace(after)
		}
		// "VRAM (Total): 4 GB" on discrete Mac GPUs; Apple Silicon omits it.
		if strings.Contains(line, "VRAM") && strings.Contains(line, "GB") {
			if gb, ok := lastNumberBefore(line, "GB"); ok {
				vramGB = gb
			}
		}
	}
	if name == "" {
		return "", 0, false
	}
	return name, vramGB, true
}

func probeLspci(ctx context.Context) (string, float64, bool) {
	out, err := exec.CommandContext(ctx, "lspci").Output()
	if err != nil {
		return "", 0, false
	}

	var name string
	var nvidia bool
	for _, line := range strings.Split(string(out), "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "vga") && !strings.Contains(lower, "3d") && !strings.Contains(lower, "display") {
			continue
		}
		if parts := strings.SplitN(line, ":", 3); len(parts) == 3 {
			name = strings.TrimSpace(parts[2])
		}
		nvidia = strings.Contains(lower, "nvidia")
		break
	}
	if name == "" {
		return "", 0, false
	}

	var vramGB float64
	if nvidia {
		vramGB = sysfsVRAMGB()
	}
	return name, vramGB, true
}

// sysfsVRAMGB reads mem_info_vram_total exposed by the DRM subsystem.
func sysfsVRAMGB() float64 {
	entries, err := os.ReadDir("/sys/class/drm")
	if err != nil {
		return 0
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join("/sys/class/drm", e.Name(), "device", "mem_info_vram_total"))
		if err != nil {
			continue
		}
		bytes, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		if gb := float64(bytes) / (1 << 30); gb > 0.5 {
			return gb
		}
	}
	return 0
}

// probeDiskFreeGB reports free space on the volume holding dir, via df.
func probeDiskFreeGB(ctx context.Context, dir string) float64 {
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}
	if dir == "" {
		dir = "/"
	}

	out, err := exec.CommandContext(ctx, "df", "-Pk", dir).Output()
	if err != nil {
		return 0
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0
	}
	kb, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return float64(kb) / (1 << 20)
}

// lastNumberBefore parses the numeric token immediately preceding marker.
func lastNumberBefore(line, marker string) (float64, bool) {
	idx := strings.Index(strings.ToLower(line), strings.ToLower(marker))
	if idx < 0 {
		return 0, false
	}
	tokens := strings.Fields(line[:idx])
	if len(tokens) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(tokens[len(tokens)-1], 64)
	return v, err == nil
}
