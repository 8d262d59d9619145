// Package daemon composes every executive subsystem into a single
// cooperative event loop: a group-messaging port over
// a real transport, the flow-control/checkpoint/AMF services riding it,
// the YKD primary-component decider, the recovery orchestrator and
// launcher behind AMF's hooks, a clustersync driver sequencing both
// services' reconciliation rounds on membership change, and the
// client-facing IPC registry that exposes their library calls over a
// Unix socket.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"clustercore/internal/adminrpc"
	"clustercore/internal/amf"
	"clustercore/internal/checkpoint"
	"clustercore/internal/clustersync"
	"clustercore/internal/flowcontrol"
	"clustercore/internal/group"
	"clustercore/internal/healthmon"
	"clustercore/internal/invocation"
	"clustercore/internal/ipc"
	"clustercore/internal/launcher"
	"clustercore/internal/objdb"
	"clustercore/internal/recovery"
	"clustercore/internal/registry"
	"clustercore/internal/seed"
	"clustercore/internal/timer"
	"clustercore/internal/ykd"
)

// Config gathers everything Wire needs to compose one node's daemon.
type Config struct {
	// NodeName must match one of the seed document's node names; it
	// selects this process's group.NodeId and local service-unit set.
	NodeName string

	// SeedPath is the object-database configuration document; StateDir
	// holds its SQLite fallback cache plus any other on-disk daemon
	// state.
	SeedPath string
	StateDir string

	ListenAddr string // group-messaging TCP listen address
	SocketPath string // client IPC Unix socket
	AdminAddr  string // clusterctl's grpc admin listen address

	// DockerHost, when set, wires internal/launcher's container backend
	// for components whose seed entry names a Container image. Left
	// empty, every component launches via plain exec.
	DockerHost string
}

// Daemon holds every wired subsystem and drives the cooperative event
// loop's timer pump once Run is called.
type Daemon struct {
	cfg Config

	transport *group.TCPTransport
	port      *group.Port
	wheel     *timer.Wheel

	decider *ykd.Decider
	fc      *flowcontrol.Controller
	ckpt    *checkpoint.Engine
	amfEng  *amf.Engine
	orch    *recovery.Orchestrator
	sync    *clustersync.Driver

	ipcServer   *ipc.Server
	adminServer *grpc.Server
	ntp         *healthmon.NTPChecker
	seedStore   *seed.Store
	cfgDB       *objdb.DB
}

// Wire loads the seed document, builds every executive subsystem around
// a shared group.Port, and returns a Daemon ready for Run. It does not
// start listening on any socket or network address; Run does that.
func Wire(ctx context.Context, cfg Config) (*Daemon, error) {
	store, err := seed.OpenStore(cfg.StateDir + "/seed.db")
	if err != nil {
		return nil, fmt.Errorf("daemon: open seed store: %w", err)
	}

	doc, err := seed.LoadOrFallback(ctx, store, cfg.SeedPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: load seed: %w", err)
	}

	selfID, ok := doc.NodeID(cfg.NodeName)
	if !ok {
		store.Close()
		return nil, fmt.Errorf("daemon: node %q not present in seed document", cfg.NodeName)
	}

	transport := group.NewTCPTransport(selfID, cfg.ListenAddr)
	transport.UpdatePeers(ctx, doc.Peers())
	port := group.New(transport)

	wheel := timer.New()
	inv := invocation.New()
	reg := registry.New()

	fc := flowcontrol.New(selfID, port, nil)
	ckptEngine := checkpoint.New(selfID, port, fc, wheel)
	amfEngine := amf.New(selfID, port, wheel, inv, amf.Hooks{})

	nodeNames, err := doc.Apply(amfEngine.Graph())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: apply seed: %w", err)
	}

	// The object database mirrors the seed configuration so trackers can
	// watch it change across reloads. On ReloadEnd the service groups'
	// escalation budgets are hot-applied to the live graph; topology
	// changes wait for a restart.
	cfgDB := objdb.New(nil)
	if err := seed.PopulateObjDB(cfgDB, doc); err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: populate object database: %w", err)
	}
	cfgDB.TrackStart(cfgDB.Root(), objdb.DepthRecursive, nil, nil, nil, func(phase objdb.ReloadPhase) {
		if phase == objdb.ReloadEnd {
			applySGBudgets(cfgDB, amfEngine)
		}
	}, nil)
	for suName, su := range amfEngine.Graph().SUs {
		amfEngine.SetLocalSU(suName, su.HostedByNode == cfg.NodeName)
	}

	var containerBackend launcher.Backend
	if cfg.DockerHost != "" {
		cli, err := client.NewClientWithOpts(
			client.WithHost(cfg.DockerHost),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("daemon: docker client: %w", err)
		}
		containerBackend = launcher.ContainerBackend{Client: cli}
	}
	launch := launcher.New(containerBackend)

	orch := recovery.New(selfID, amfEngine, launch, wheel)
	for id, name := range nodeNames {
		orch.SetNodeName(id, name)
	}

	syncDriver := clustersync.New()
	syncDriver.Register(amfEngine)
	syncDriver.Register(ckptEngine)

	// The YKD primary decision gates checkpoint's write admission: a
	// non-primary node refuses SectionWrite/Overwrite with TRY_AGAIN
	// rather than diverging state a merge would later have to reconcile.
	// Forming a primary also starts the sync round that reconciles both
	// replicated services over the new membership; losing it aborts any
	// round in flight.
	decider := ykd.New(selfID, port, func(isPrimary bool, members []group.NodeId) {
		fc.Set(checkpoint.FlowHandle, !isPrimary)
		view := make([]uint32, len(members))
		for i, m := range members {
			view[i] = uint32(m)
		}
		syncDriver.OnPrimaryFormed(isPrimary, view)
	})

	registerAMFHandlers(reg, amfEngine)
	registerCheckpointHandlers(reg, ckptEngine)
	registerAdminHandlers(reg, amfEngine)

	ipcServer := ipc.NewServer(reg, 4096)
	adminServer := adminrpc.NewServer(reg)
	ntp := healthmon.NewNTPChecker(time.Now)

	return &Daemon{
		cfg:         cfg,
		transport:   transport,
		port:        port,
		wheel:       wheel,
		decider:     decider,
		fc:          fc,
		ckpt:        ckptEngine,
		amfEng:      amfEngine,
		orch:        orch,
		sync:        syncDriver,
		ipcServer:   ipcServer,
		adminServer: adminServer,
		ntp:         ntp,
		seedStore:   store,
		cfgDB:       cfgDB,
	}, nil
}

// Run starts the network listener, the client IPC socket, the ambient
// health probe, and then pumps the timer wheel until ctx is canceled.
// Every timer callback this drives — AMF recovery timeouts, checkpoint
// retention, YKD attempt retries — runs on this single goroutine. No
// executive mutation happens anywhere else.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.seedStore.Close()

	if err := d.transport.Listen(ctx); err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.ipcServer.Listen(ctx, d.cfg.SocketPath); err != nil {
			return fmt.Errorf("daemon: ipc listen: %w", err)
		}
		return nil
	})

	if d.cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("daemon: admin listen: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			d.adminServer.GracefulStop()
			return nil
		})
		g.Go(func() error {
			if err := d.adminServer.Serve(ln); err != nil {
				return fmt.Errorf("daemon: admin serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		d.ntp.Run(ctx)
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if _, err := seed.Reload(d.cfgDB, d.cfg.SeedPath); err != nil {
					slog.Warn("daemon: seed reload failed", "err", err)
				}
			}
		}
	})

	g.Go(func() error { return d.pumpTimers(ctx) })

	return g.Wait()
}

// pumpTimers is the event loop's timer leg: it sleeps until the wheel's
// next deadline (capped at one second so newly added timers are noticed)
// and fires expired entries in deadline order.
func (d *Daemon) pumpTimers(ctx context.Context) error {
	const idlePoll = time.Second

	poll := time.NewTimer(idlePoll)
	defer poll.Stop()

	for {
		wait := idlePoll
		if deadline, ok := d.wheel.NextDeadline(); ok {
			if until := time.Until(deadline); until < wait {
				wait = until
			}
			if wait < 0 {
				wait = 0
			}
		}
		poll.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			d.wheel.Fire(time.Now())
		}
	}
}
