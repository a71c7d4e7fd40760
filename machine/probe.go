package machine

import (
	"context"
	"errors"

	"github.com/mastercactapus/gcstream/gcode"
	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/mastercactapus/gcstream/stream"
)

// ErrNoProbeData is returned when a probe job finished without a probe report.
var ErrNoProbeData = errors.New("no probe data returned")

// ProbeOptions configure a straight z-probe operation.
type ProbeOptions struct {
	ZeroZAxis bool

	// Offset is the offset to use when ZeroZAxis is set.
	Offset float64

	FeedRate  float64
	MaxTravel float64
}

// ProbeZ will perform a straight z-probe from the current location and
// return to the starting height.
func (m *Machine) ProbeZ(ctx context.Context, opt ProbeOptions) (*grbl.ProbeResult, error) {
	stat := m.CurrentState()
	if stat.Base() != "Idle" {
		return nil, ErrNotIdle
	}

	events, cancel := m.Subscribe(64)
	defer cancel()

	var lines []string
	for _, b := range opt.generate(stat.MPos.Z) {
		lines = append(lines, b.String())
	}
	if err := m.Stream(lines); err != nil {
		return nil, err
	}

	var res *grbl.ProbeResult
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e := <-events:
			switch e := e.(type) {
			case grbl.ProbeCompleted:
				r := e.Result
				res = &r
			case stream.JobCompleted:
				if !e.Success {
					if e.Err != nil {
						return nil, e.Err
					}
					return nil, errors.New(e.Reason)
				}
				if res == nil {
					return nil, ErrNoProbeData
				}
				return res, nil
			}
		}
	}
}

// probeCommand will return a command to do a Z-probe.
func (opt ProbeOptions) probeCommand(zero bool, lift float64) []gcode.Block {
	b := []gcode.Block{
		{
			{W: 'G', Arg: 91},
			{W: 'G', Arg: 38.2},
			{W: 'Z', Arg: opt.MaxTravel},
			{W: 'F', Arg: opt.FeedRate},
		},
	}
	if zero {
		b = append(b, gcode.Block{
			{W: 'G', Arg: 92},
			{W: 'Z', Arg: opt.Offset},
		})
	}
	b = append(b,
		gcode.Block{{W: 'G', Arg: 90}},
		// lift is a machine position, reported in millimetres
		gcode.Block{
			{W: 'G', Arg: 21},
			{W: 'G', Arg: 53},
			{W: 'G', Arg: 0},
			{W: 'Z', Arg: lift},
		},
	)
	return b
}

// generate will create gcode to do a probe operation that
// handles zeroing the z-axis and returning to the starting height.
func (opt ProbeOptions) generate(startZ float64) []gcode.Block {
	return opt.probeCommand(opt.ZeroZAxis, startZ)
}
