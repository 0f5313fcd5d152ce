// Package config loads the JSON description of the board the memory
// subsystem runs on.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Code-Allergy/kernel-project-sub000/internal/klog"
	"github.com/Code-Allergy/kernel-project-sub000/internal/mm"
)

// Hex is a 32-bit value written either as a JSON number or as a string in
// any base strconv understands ("0x80000000", "0o17", "4096").
type Hex uint32

func (h *Hex) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.ReplaceAll(unq, "_", "")
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("config: bad value %s: %w", b, err)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"0x%08x"`, uint32(h))), nil
}

func (h Hex) String() string { return fmt.Sprintf("0x%08x", uint32(h)) }

// Config is one board configuration.
type Config struct {
	Platform      string `json:"platform"`
	DRAMBase      Hex    `json:"dram_base"`
	DRAMSize      Hex    `json:"dram_size"`
	KernelEnd     Hex    `json:"kernel_end"`
	KernelMapping string `json:"kernel_mapping"` // "split" or "copy"
	ReclaimASIDs  bool   `json:"reclaim_asids"`
	HeapBase      Hex    `json:"heap_base"`
	HeapSize      Hex    `json:"heap_size"`
	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file"`
}

// DefaultHeapBase is the kernel heap window on every board.
const DefaultHeapBase = 0xD0000000

// Default returns the settings a board boots with when nothing overrides
// them: the platform's DRAM window, a 2MB kernel image, split mapping and a
// 16MB heap.
func Default(platform string) (Config, error) {
	p, err := mm.PlatformByName(platform)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	base, size := p.DRAM()
	return Config{
		Platform:      p.Name(),
		DRAMBase:      Hex(base),
		DRAMSize:      Hex(size),
		KernelEnd:     Hex(base + 2<<20),
		KernelMapping: mm.StrategySplit.String(),
		ReclaimASIDs:  true,
		HeapBase:      DefaultHeapBase,
		HeapSize:      16 << 20,
		LogLevel:      "info",
	}, nil
}

// Load reads the file at path. See Parse.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a configuration on top of the defaults of the platform it
// names, so a file only lists what differs. The result is validated.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var probe struct {
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if probe.Platform == "" {
		probe.Platform = "bbb"
	}
	c, err := Default(probe.Platform)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks names and the alignment and placement of every window.
func (c Config) Validate() error {
	p, err := mm.PlatformByName(c.Platform)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := mm.ParseStrategy(c.KernelMapping); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := klog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for _, v := range []struct {
		name string
		val  Hex
	}{
		{"dram_base", c.DRAMBase},
		{"dram_size", c.DRAMSize},
		{"heap_base", c.HeapBase},
		{"heap_size", c.HeapSize},
	} {
		if uint32(v.val)%mm.PageSize != 0 {
			return fmt.Errorf("config: %s %s is not page aligned", v.name, v.val)
		}
	}
	dramEnd := uint64(c.DRAMBase) + uint64(c.DRAMSize)
	if c.DRAMSize == 0 || dramEnd > 1<<32 {
		return fmt.Errorf("config: DRAM window %s+%s is empty or wraps", c.DRAMBase, c.DRAMSize)
	}
	if c.KernelEnd < c.DRAMBase || uint64(c.KernelEnd) >= dramEnd {
		return fmt.Errorf("config: kernel_end %s outside DRAM", c.KernelEnd)
	}
	userTop := uint64(1) << (32 - p.SplitN())
	if uint64(c.HeapBase) < userTop || uint64(c.HeapBase)+uint64(c.HeapSize) > 1<<32 {
		return fmt.Errorf("config: heap %s+%s must lie in the kernel half (>= 0x%x)", c.HeapBase, c.HeapSize, userTop)
	}
	return nil
}

// Options converts c into manager options.
func (c Config) Options(log *slog.Logger) (mm.Options, error) {
	p, err := mm.PlatformByName(c.Platform)
	if err != nil {
		return mm.Options{}, fmt.Errorf("config: %w", err)
	}
	s, err := mm.ParseStrategy(c.KernelMapping)
	if err != nil {
		return mm.Options{}, fmt.Errorf("config: %w", err)
	}
	return mm.Options{
		Platform:     p,
		KernelEnd:    mm.PhysAddr(c.KernelEnd),
		DRAMBase:     mm.PhysAddr(c.DRAMBase),
		DRAMSize:     uint32(c.DRAMSize),
		Strategy:     s,
		ReclaimASIDs: c.ReclaimASIDs,
		Logger:       log,
	}, nil
}

// Logger builds the logger c asks for: the log file when one is set,
// otherwise w. The closer is nil when no file was opened.
func (c Config) Logger(w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := klog.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if c.LogFile == "" {
		return klog.New(w, level), nil, nil
	}
	return klog.Open(c.LogFile, level)
}
