// Command streamdemo records a saxpy workload through a stream command
// buffer and runs it on the emulated device or on a HAL queue.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/streamcb"
	"github.com/gogpu/streamcb/config"
	"github.com/gogpu/streamcb/device"
	"github.com/gogpu/streamcb/halqueue"
	"github.com/gogpu/streamcb/softdevice"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file")
		backend    = flag.String("backend", "soft", "device backend: soft or hal")
		n          = flag.Int("n", 4096, "number of elements")
		cycles     = flag.Int("cycles", 3, "record/submit cycles")
		dumpConfig = flag.Bool("dump-config", false, "print the effective config and exit")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *dumpConfig {
		out, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	streamcb.SetLogger(slog.New(logger))

	switch *backend {
	case "soft":
		err = runSoft(cfg, *n, *cycles, logger)
	case "hal":
		err = runHAL(cfg, *n, *cycles, logger)
	default:
		err = fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		logger.Error("demo failed", "err", err)
		os.Exit(1)
	}
}

// newLogger builds the terminal logger described by c.
func newLogger(c config.Log) (*log.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}

	formatter := log.TextFormatter
	switch strings.ToLower(c.Format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "streamdemo",
		Formatter:       formatter,
	})
	// charmbracelet/log levels share slog's numbering.
	l.SetLevel(log.Level(level))
	return l, nil
}

// record encodes one saxpy cycle: x = 0..n-1, y = 1, y = a*x + y.
func record(cb *streamcb.StreamCommandBuffer, exe device.Executable, x, y device.Buffer, n int, a float32) error {
	host := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(host[4*i:], math.Float32bits(float32(i)))
	}
	pc := binary.LittleEndian.AppendUint32(nil, math.Float32bits(a))
	pc = binary.LittleEndian.AppendUint32(pc, uint32(n))
	length := uint64(4 * n)

	if err := cb.Begin(); err != nil {
		return err
	}
	cb.BeginDebugGroup("saxpy", streamcb.LabelColor{}, nil)
	steps := []func() error{
		func() error {
			return cb.UpdateBuffer(host, 0, streamcb.BufferRef{Buffer: x, Length: length})
		},
		func() error {
			return cb.FillBuffer(streamcb.BufferRef{Buffer: y, Length: length},
				binary.LittleEndian.AppendUint32(nil, math.Float32bits(1)))
		},
		func() error {
			return cb.PushDescriptorSet(nil, 0, []streamcb.DescriptorSetBinding{
				{Binding: 0, Buffer: x, Length: length},
				{Binding: 1, Buffer: y, Length: length},
			})
		},
		func() error { return cb.PushConstants(nil, 0, pc) },
		func() error { return cb.Dispatch(exe, 0, uint32((n+63)/64), 1, 1) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	cb.EndDebugGroup()
	return cb.End()
}

func checkSaxpy(y []byte, n int, a float32) error {
	for i := range n {
		got := math.Float32frombits(binary.LittleEndian.Uint32(y[4*i:]))
		if want := a*float32(i) + 1; got != want {
			return fmt.Errorf("y[%d] = %v, want %v", i, got, want)
		}
	}
	return nil
}

func runSoft(cfg config.Config, n, cycles int, logger *log.Logger) error {
	dev := softdevice.New(softdevice.Config{
		Name:        "softdevice",
		MemoryLimit: cfg.Device.MemoryLimit,
		Workers:     cfg.Device.Workers,
		QueueDepth:  cfg.Device.QueueDepth,
	})
	defer dev.Close()

	props := dev.Properties()
	logger.Info("device", "name", props.Name, "arch", props.Arch,
		"workers", props.Workers, "features", strings.Join(props.HostFeatures, ","))

	stream, err := dev.NewStream()
	if err != nil {
		return err
	}
	defer stream.Close()

	exe, err := softdevice.NewExecutable(softdevice.EntryPoint{
		Name:          "saxpy",
		Func:          saxpy,
		BlockSize:     device.Dim3{X: 64, Y: 1, Z: 1},
		PushConstants: 2,
		Sets:          []int{2},
	})
	if err != nil {
		return err
	}
	defer exe.Release()

	x, err := dev.Allocate(uint64(4 * n))
	if err != nil {
		return err
	}
	defer x.Release()
	y, err := dev.Allocate(uint64(4 * n))
	if err != nil {
		return err
	}
	defer y.Release()

	cb, err := streamcb.NewStreamCommandBuffer(dev, stream, cfg.EncoderOptions()...)
	if err != nil {
		return err
	}
	defer cb.Destroy()

	for c := range cycles {
		a := float32(c + 1)
		if err := record(cb, exe, x, y, n, a); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := stream.Synchronize(ctx)
		cancel()
		if err != nil {
			return err
		}
		if err := checkSaxpy(y.Bytes(), n, a); err != nil {
			return err
		}
	}

	st := cb.Stats()
	logger.Info("done", "cycles", st.Cycles, "submitted", st.Submitted,
		"dispatches", st.Dispatches, "kernels", st.Kernels)
	return nil
}

// saxpy computes y[i] = a*x[i] + y[i] for i < n.
func saxpy(wg *softdevice.Workgroup) error {
	x, y := wg.Pointer(0), wg.Pointer(1)
	a, n := wg.Float32(2), wg.Uint32(3)
	return wg.Threads(func(i uint32, _ int) error {
		if i >= n {
			return nil
		}
		xi, err := wg.LoadFloat32(x, i)
		if err != nil {
			return err
		}
		yi, err := wg.LoadFloat32(y, i)
		if err != nil {
			return err
		}
		return wg.StoreFloat32(y, i, a*xi+yi)
	})
}

const saxpyWGSL = `
@group(0) @binding(0) var<storage, read_write> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> y: array<f32>;
@group(0) @binding(2) var<uniform> pc: array<vec4<u32>, 1>;

@compute @workgroup_size(64)
fn saxpy(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x >= pc[0].y) {
        return;
    }
    let a = bitcast<f32>(pc[0].x);
    y[id.x] = a * x[id.x] + y[id.x];
}
`

// runHAL records the same workload on the noop HAL backend. Nothing
// executes, so only submission and resource lifetimes are exercised.
func runHAL(cfg config.Config, n, cycles int, logger *log.Logger) error {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return err
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return fmt.Errorf("no HAL adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		return err
	}
	defer openDev.Device.Destroy()

	q, err := halqueue.New(openDev.Device, openDev.Queue, halqueue.Config{
		Name:        "noop",
		MaxInFlight: cfg.Device.QueueDepth,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	exe, err := q.NewExecutable("saxpy", saxpyWGSL, halqueue.EntryPoint{
		Name:          "saxpy",
		BlockSize:     device.Dim3{X: 64, Y: 1, Z: 1},
		PushConstants: 2,
		Sets:          []int{2},
	})
	if err != nil {
		return err
	}
	defer exe.Release()

	x, err := q.Allocate(uint64(4 * n))
	if err != nil {
		return err
	}
	defer x.Release()
	y, err := q.Allocate(uint64(4 * n))
	if err != nil {
		return err
	}
	defer y.Release()

	cb, err := streamcb.NewStreamCommandBuffer(q, q, cfg.EncoderOptions()...)
	if err != nil {
		return err
	}
	defer cb.Destroy()

	for c := range cycles {
		if err := record(cb, exe, x, y, n, float32(c+1)); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := q.Synchronize(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	st := cb.Stats()
	logger.Info("done", "device", q.Name(), "cycles", st.Cycles, "submissions", q.Retired(),
		"dispatches", st.Dispatches)
	return nil
}
