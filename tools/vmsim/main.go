// Command vmsim boots the memory subsystem on the simulated CPU, runs
// workload scenarios against it and dumps pictures of the result.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Code-Allergy/kernel-project-sub000/internal/config"
	"github.com/Code-Allergy/kernel-project-sub000/internal/mm"
)

func main() {
	cfgPath := flag.String("config", "", "JSON board configuration")
	platform := flag.String("platform", "", "platform ("+strings.Join(mm.PlatformNames(), ", ")+"), overrides the config")
	mapping := flag.String("mapping", "", "kernel mapping strategy (split, copy), overrides the config")
	scenario := flag.String("scenario", "all", "scenario to run ("+strings.Join(scenarioNames(), ", ")+", all, none)")
	framesOut := flag.String("dump-frames", "", "write the frame occupancy map to this file")
	l1Out := flag.String("dump-l1", "", "write the kernel L1 slot map to this file")
	raw := flag.Bool("raw", false, "write dumps in the framebuffer format instead of PNG")
	interactive := flag.Bool("interactive", false, "start the keyboard monitor after the scenarios")
	level := flag.String("log-level", "", "log level, overrides the config")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vmsim [flags]\n")
		fmt.Fprintf(os.Stderr, "Boots the ARMv7 memory subsystem on a simulated CPU and runs scenarios.\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*cfgPath, *platform, *mapping, *level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log, closer, err := cfg.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}

	mc, err := boot(cfg, log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		os.Exit(1)
	}
	if *scenario != "none" {
		if err := mc.run(*scenario); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	mc.stats()

	if *framesOut != "" {
		if err := mc.dumpFrames(*framesOut, *raw); err != nil {
			fmt.Fprintf(os.Stderr, "dump frames: %v\n", err)
			os.Exit(1)
		}
	}
	if *l1Out != "" {
		if err := mc.dumpL1(*l1Out, *raw); err != nil {
			fmt.Fprintf(os.Stderr, "dump l1: %v\n", err)
			os.Exit(1)
		}
	}
	if *interactive {
		if err := monitor(mc); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig reads path (or the platform defaults) and applies the
// command-line overrides.
func loadConfig(path, platform, mapping, level string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.Load(path)
	case platform != "":
		cfg, err = config.Default(platform)
	default:
		cfg, err = config.Default("bbb")
	}
	if err != nil {
		return cfg, err
	}
	if platform != "" && platform != cfg.Platform {
		// A different board brings its own DRAM window.
		def, err := config.Default(platform)
		if err != nil {
			return cfg, err
		}
		cfg.Platform, cfg.DRAMBase, cfg.DRAMSize, cfg.KernelEnd = def.Platform, def.DRAMBase, def.DRAMSize, def.KernelEnd
	}
	if mapping != "" {
		cfg.KernelMapping = mapping
	}
	if level != "" {
		cfg.LogLevel = level
	}
	return cfg, cfg.Validate()
}
