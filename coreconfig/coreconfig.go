// Package coreconfig is the configuration lookup named in §6: "returning
// at init time: default fiber stack size; default epoll wait cap;
// worker-thread YAML (name -> {thread_num, worker_num})". It is read once
// at startup; the core does not need to react to later changes.
//
// YAML is what the rest of the corpus reaches for configuration (it's the
// one config format repeated across the example repos), so this package
// decodes it with gopkg.in/yaml.v3 the same way.
package coreconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkerPool is one named entry of the worker-thread YAML: how many
// scheduler worker goroutines to spawn, and a nominal thread-count hint
// carried over from the source's OS-thread-per-worker model (Go's own
// scheduler multiplexes goroutines onto OS threads on its own, so this is
// advisory metadata rather than something coreconfig enforces).
type WorkerPool struct {
	ThreadNum int `yaml:"thread_num"`
	WorkerNum int `yaml:"worker_num"`
}

// Config is the full set of init-time values §6 asks the core's host
// application to supply.
type Config struct {
	// FiberStackSize is carried for fidelity with the source, which
	// allocates a fixed-size stack per fiber (default 128 KiB per §3).
	// Go fibers (package fiber) run on goroutines with growable stacks
	// managed by the runtime, so this value is informational only — it's
	// not consulted by package fiber, but a host wiring up metrics or
	// capacity planning may still want to know the configured figure.
	FiberStackSize int `yaml:"fiber_stack_size"`

	// EpollWaitCap is the configured number of events a single epoll_wait
	// call may return. Like FiberStackSize it is informational only:
	// package ioman does not read it, and its poller always uses a fixed
	// 256-entry event buffer (ioman.maxPollTimeout separately caps how long
	// a poll cycle blocks).
	EpollWaitCap int `yaml:"epoll_wait_cap"`

	// WorkerPools maps a named pool (e.g. "io", "rpc") to its thread/worker
	// counts.
	WorkerPools map[string]WorkerPool `yaml:"worker_pools"`
}

// Default returns the configuration the core uses when no YAML is
// supplied: a 128 KiB fiber stack size (per §3's stated default), a
// 256-event epoll wait cap, and a single "default" worker pool sized to
// one thread and one worker.
func Default() Config {
	return Config{
		FiberStackSize: 128 * 1024,
		EpollWaitCap:   256,
		WorkerPools: map[string]WorkerPool{
			"default": {ThreadNum: 1, WorkerNum: 1},
		},
	}
}

// Load reads and decodes a worker-thread YAML configuration file,
// defaulting any field the file leaves zero.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("coreconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config, applying Default()'s values for
// anything left unset.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("coreconfig: parse: %w", err)
	}
	if raw.FiberStackSize > 0 {
		cfg.FiberStackSize = raw.FiberStackSize
	}
	if raw.EpollWaitCap > 0 {
		cfg.EpollWaitCap = raw.EpollWaitCap
	}
	if len(raw.WorkerPools) > 0 {
		cfg.WorkerPools = raw.WorkerPools
	}
	return cfg, nil
}

// Pool looks up a named worker pool, falling back to WorkerPool{1, 1} if
// the name isn't present — a missing pool should degrade to the smallest
// viable configuration, not a zero-worker scheduler.
func (c Config) Pool(name string) WorkerPool {
	if p, ok := c.WorkerPools[name]; ok {
		return p
	}
	return WorkerPool{ThreadNum: 1, WorkerNum: 1}
}
