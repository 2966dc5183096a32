package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"shuttlecore/config"
	"shuttlecore/locstate"
	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/shuttle/sim"
	"shuttlecore/store"
	"shuttlecore/topology"
	"shuttlecore/workflow"
)

type LogFunc func(format string, args ...any)

// Connectivity is the part of the messaging client the health loop watches.
type Connectivity interface {
	IsConnected() bool
}

type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	Graph      *topology.Graph
	Locations  *locstate.Manager
	MsgClient  Connectivity // nil when messaging is disabled
	LogFunc    LogFunc

	// Simulator timings used with use_mock; zero picks realistic values.
	MockStepDelay  time.Duration
	MockLiftTravel time.Duration
	HealthInterval time.Duration
}

type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	graph      *topology.Graph
	locs       *locstate.Manager
	msgClient  Connectivity
	Events     *EventBus
	logFn      LogFunc

	mockStep       time.Duration
	mockTravel     time.Duration
	healthInterval time.Duration

	session *shuttle.Session
	plc     *plc.Client
	lift    *plc.Lift
	runner  *workflow.Runner

	// Simulators, set with use_mock.
	shuttleSim *sim.Server
	liftSim    *plc.LiftSim

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connMu           sync.Mutex
	shuttleConnected bool
	plcConnected     bool
	msgConnected     bool
}

func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	if c.MockStepDelay <= 0 {
		c.MockStepDelay = 400 * time.Millisecond
	}
	if c.MockLiftTravel <= 0 {
		c.MockLiftTravel = 2 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	return &Engine{
		cfg:            c.AppConfig,
		configPath:     c.ConfigPath,
		db:             c.DB,
		graph:          c.Graph,
		locs:           c.Locations,
		msgClient:      c.MsgClient,
		Events:         NewEventBus(),
		logFn:          logFn,
		mockStep:       c.MockStepDelay,
		mockTravel:     c.MockLiftTravel,
		healthInterval: c.HealthInterval,
		stopChan:       make(chan struct{}),
	}
}

// Start builds the device sessions and the workflow runner and connects
// what it can. Devices that are down are retried by the health loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.buildDevices(); err != nil {
		return err
	}

	e.runner = workflow.NewRunner(e.session, e.lift, e.locs, e.graph, e.db, &workflowEmitter{bus: e.Events}, workflow.Options{
		TaskTimeout: e.cfg.Workflow.TaskTimeout,
		PLCTimeout:  e.cfg.Workflow.PLCTimeout,
	})
	e.session.OnCritical(e.runner.Fault)

	e.wireEventHandlers()

	if n, err := e.db.AbandonRunningWorkflows(); err != nil {
		e.logFn("engine: abandon stale workflow runs: %v", err)
	} else if n > 0 {
		e.logFn("engine: marked %d interrupted workflow runs as failed", n)
	}

	e.connectDevices(ctx)
	e.checkConnectionStatus()

	e.wg.Add(1)
	go e.connectionHealthLoop()

	e.logFn("engine: started (mock=%v)", e.cfg.UseMock)
	return nil
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		e.wg.Wait()
		if e.runner != nil {
			e.runner.Abort("engine stopping")
		}
		if e.session != nil {
			e.session.Close()
		}
		if e.plc != nil {
			e.plc.Close()
		}
		if e.liftSim != nil {
			e.liftSim.Close()
		}
		if e.shuttleSim != nil {
			e.shuttleSim.Close()
		}
		e.logFn("engine: stopped")
	})
}

// Accessors
func (e *Engine) DB() *store.DB                   { return e.db }
func (e *Engine) AppConfig() *config.Config       { return e.cfg }
func (e *Engine) ConfigPath() string              { return e.configPath }
func (e *Engine) Graph() *topology.Graph          { return e.graph }
func (e *Engine) Locations() *locstate.Manager    { return e.locs }
func (e *Engine) Session() *shuttle.Session       { return e.session }
func (e *Engine) PLC() *plc.Client                { return e.plc }
func (e *Engine) Runner() *workflow.Runner        { return e.runner }
func (e *Engine) ShuttleSim() *sim.Server         { return e.shuttleSim }
func (e *Engine) LiftSim() *plc.LiftSim           { return e.liftSim }
func (e *Engine) Busy() bool                      { return e.runner != nil && e.runner.Busy() }
func (e *Engine) MsgClient() Connectivity         { return e.msgClient }

// connectDevices opens the shuttle session and the PLC client if they are
// not connected.
func (e *Engine) connectDevices(ctx context.Context) {
	if !e.session.Connected() {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.Shuttle.ConnectTimeout+time.Second)
		if err := e.session.Open(cctx); err != nil {
			e.logFn("engine: shuttle connect: %v", err)
		}
		cancel()
	}
	switch e.plc.State() {
	case plc.StateDisconnected, plc.StateError:
		cctx, cancel := context.WithTimeout(ctx, e.cfg.PLC.Timeout+time.Second)
		if err := e.plc.Open(cctx); err != nil {
			e.logFn("engine: plc connect: %v", err)
		}
		cancel()
	}
}

func (e *Engine) checkConnectionStatus() {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	// Shuttle and PLC emit their own connection events; only track them here.
	e.shuttleConnected = e.session.Connected()
	e.plcConnected = e.plc.State() == plc.StateConnected

	if e.msgClient == nil {
		return
	}
	if e.msgClient.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging connected"}})
		}
	} else {
		if e.msgConnected {
			e.msgConnected = false
			e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: "messaging disconnected"}})
		}
	}
}

func (e *Engine) connectionHealthLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if !e.Busy() {
				e.connectDevices(context.Background())
			}
			e.checkConnectionStatus()
		}
	}
}

// Connections reports the last observed device and messaging state.
func (e *Engine) Connections() map[string]bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return map[string]bool{
		"shuttle":   e.shuttleConnected,
		"plc":       e.plcConnected,
		"messaging": e.msgConnected,
	}
}
