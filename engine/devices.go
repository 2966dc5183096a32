package engine

import (
	"fmt"
	"net"
	"strconv"

	"shuttlecore/config"
	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/shuttle/sim"
	"shuttlecore/topology"
)

// buildDevices creates the shuttle session, the PLC client and the lift
// driver. With use_mock both devices are in-process simulators.
func (e *Engine) buildDevices() error {
	cfg := e.cfg
	layout := plc.DefaultLayout(cfg.PLC.StatusDB, cfg.PLC.CommandDB)
	shuttleAddr := net.JoinHostPort(cfg.Shuttle.Host, strconv.Itoa(cfg.Shuttle.Port))

	var drv plc.Driver
	if cfg.UseMock {
		e.shuttleSim = sim.New(mockStart(e.graph))
		e.shuttleSim.SetStepDelay(e.mockStep)
		if err := e.shuttleSim.Listen("127.0.0.1:0"); err != nil {
			return fmt.Errorf("start shuttle simulator: %w", err)
		}
		shuttleAddr = e.shuttleSim.Addr()

		mock := plc.NewMockDriver()
		e.liftSim = plc.NewLiftSim(mock, layout, e.mockTravel)
		drv = mock
		e.logFn("engine: mock mode, shuttle simulator on %s", shuttleAddr)
	} else {
		d, err := newDriver(&cfg.PLC)
		if err != nil {
			return err
		}
		drv = d
	}

	e.session = shuttle.NewSession(shuttle.Options{
		Addr:              shuttleAddr,
		DeviceID:          uint8(cfg.Shuttle.DeviceID),
		HeartbeatInterval: cfg.Shuttle.HeartbeatInterval,
		BatteryEvery:      cfg.Shuttle.BatteryEvery,
		ConnectTimeout:    cfg.Shuttle.ConnectTimeout,
		CommandTimeout:    cfg.Shuttle.CommandTimeout,
	}, &shuttleEmitter{bus: e.Events})

	e.plc = plc.NewClient(drv, plc.Options{
		Timeout:      cfg.PLC.Timeout,
		MaxRetries:   cfg.PLC.MaxRetries,
		RetryDelay:   cfg.PLC.RetryDelay,
		VerifyWrites: cfg.PLC.VerifyWrites,
		PollInterval: cfg.PLC.PollInterval,
	}, &plcEmitter{bus: e.Events})
	e.lift = plc.NewLift(e.plc, layout, cfg.Workflow.PulseHold)
	e.lift.StoreyTargets = cfg.PLC.StoreyTargets
	return nil
}

func newDriver(cfg *config.PLCConfig) (plc.Driver, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	switch cfg.Driver {
	case "s7", "":
		return plc.NewS7Driver(addr, cfg.Rack, cfg.Slot, cfg.Timeout), nil
	case "modbus":
		return plc.NewModbusDriver(addr, cfg.Modbus.UnitID, cfg.Modbus.Registers, cfg.Timeout), nil
	case "mock":
		return plc.NewMockDriver(), nil
	default:
		return nil, fmt.Errorf("unknown plc driver %q", cfg.Driver)
	}
}

// mockStart parks the simulated shuttle in front of the lift on the lowest
// storey, or on the first node of maps without a lift approach.
func mockStart(g *topology.Graph) topology.Coord {
	if storeys := g.Storeys(); len(storeys) > 0 {
		if c := topology.PreLiftCell(storeys[0]); g.Has(c) {
			return c
		}
	}
	return g.Nodes()[0]
}
