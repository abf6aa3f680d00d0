package core

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ovrmesh/meshnode/internal/clusterdb"
	"github.com/ovrmesh/meshnode/internal/connmgr"
	"github.com/ovrmesh/meshnode/internal/cryptor"
	"github.com/ovrmesh/meshnode/internal/logic"
	"github.com/ovrmesh/meshnode/internal/netutil"
	"github.com/ovrmesh/meshnode/internal/nodecfg"
	"github.com/ovrmesh/meshnode/internal/pktstore"
	"github.com/ovrmesh/meshnode/internal/shm"
	"github.com/ovrmesh/meshnode/internal/snowflake"
	"github.com/ovrmesh/meshnode/internal/wire"
)

// repeaterInterval is how often each worker's [pktstore.Store] checks its
// entries for due retransmission.
const repeaterInterval = 200 * time.Millisecond

// Master supervises one node process: the shared-state server singleton and
// basic.worker_amount [Worker]s sharing one UDP port via SO_REUSEPORT.
// Grounded on pkg/atlas/server.go's Run() fan-in-of-goroutines shutdown
// pattern (error channel + ctx.Done, adapted from HTTP listeners to UDP
// workers and a Unix-socket shm server).
type Master struct {
	Cfg             *nodecfg.Config
	Role            clusterdb.Role
	Identification  string
	Logger          zerolog.Logger
	ClusterRegistry *clusterdb.Registry // non-nil only for the controller role
}

// NewMaster constructs a Master. For the controller role it also opens the
// cluster membership registry: memory-only when cluster_registry.dsn is
// empty, write-through persisted to that sqlite3 path otherwise (SPEC_FULL.md
// §4.2).
func NewMaster(cfg *nodecfg.Config, role clusterdb.Role) (*Master, error) {
	logger, err := cfg.NewLogger("master")
	if err != nil {
		return nil, fmt.Errorf("core: master logger: %w", err)
	}

	m := &Master{
		Cfg:            cfg,
		Role:           role,
		Identification: cfg.Net.Identification,
		Logger:         logger,
	}

	if role == clusterdb.RoleController {
		reg, err := clusterdb.OpenRegistry(cfg.ClusterRegistry.Dsn)
		if err != nil {
			return nil, fmt.Errorf("core: open cluster registry: %w", err)
		}
		m.ClusterRegistry = reg
	}

	return m, nil
}

// loggingEvents forwards cluster-lifecycle signals to a zerolog.Logger; the
// Master-level default [logic.Events] implementation.
type loggingEvents struct {
	logger zerolog.Logger
}

func (e loggingEvents) SuccessfullyJoinedCluster() { e.logger.Info().Msg("joined cluster") }

func (e loggingEvents) FailedToJoinCluster(reason string) {
	e.logger.Warn().Str("reason", reason).Msg("failed to join cluster")
}

func (e loggingEvents) SuccessfullyLeftCluster() { e.logger.Info().Msg("left cluster") }

// Run starts the shm server and all workers, and blocks until ctx is
// canceled or one of them exits with an error.
func (m *Master) Run(ctx context.Context) error {
	socketDir := m.Cfg.Shm.SocketDir
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("core: create shm socket dir: %w", err)
	}
	managerPath := filepath.Join(socketDir, m.Cfg.Shm.ManagerSocketName)

	shmLogger, err := m.Cfg.NewLogger("shm")
	if err != nil {
		return fmt.Errorf("core: shm logger: %w", err)
	}
	shmServer := shm.NewServer(shmLogger)

	if m.ClusterRegistry != nil {
		defer m.ClusterRegistry.Close()
	}

	errch := make(chan error, 1+m.Cfg.Basic.WorkerAmount)
	go func() {
		errch <- shmServer.ListenAndServe(managerPath)
	}()
	defer shmServer.Close()

	if err := waitForSocket(ctx, managerPath); err != nil {
		return fmt.Errorf("core: shm server did not come up: %w", err)
	}

	var controllerAddr netip.AddrPort
	if m.Role != clusterdb.RoleController {
		if m.Cfg.ClusterEntrance == nil {
			return fmt.Errorf("core: cluster_entrance is required for non-controller roles")
		}
		ip, err := netip.ParseAddr(m.Cfg.ClusterEntrance.IP)
		if err != nil {
			return fmt.Errorf("core: cluster_entrance.ip: %w", err)
		}
		controllerAddr = netip.AddrPortFrom(ip, m.Cfg.ClusterEntrance.Port)
	}

	configuredNodes, err := m.Cfg.ConfiguredNodes()
	if err != nil {
		return fmt.Errorf("core: configured nodes: %w", err)
	}

	cipher := CipherConfig{
		Cipher:    cryptor.Cipher(m.Cfg.Net.Crypto.Cipher),
		Key:       cryptor.DeriveKey(m.Cfg.Net.Crypto.Password, cryptor.MaxKeyLength),
		DefaultIV: cryptor.DefaultIV(m.Cfg.Net.Crypto.Password, m.Cfg.Net.Crypto.IVLen),
	}
	ivRange := connmgr.IVRange{
		Lo: uint64(m.Cfg.Net.Crypto.IVDurationRange[0]),
		Hi: uint64(m.Cfg.Net.Crypto.IVDurationRange[1]),
	}

	var wg sync.WaitGroup
	for i := 0; i < m.Cfg.Basic.WorkerAmount; i++ {
		i := i
		w, err := m.newWorker(ctx, i, managerPath, socketDir, configuredNodes, cipher, ivRange)
		if err != nil {
			return fmt.Errorf("core: init worker %d: %w", i, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			// The repeater and the receive loop run during Bootstrap, so the
			// JOIN_CLUSTER request is retransmitted and its response is read.
			go w.Store.Run()
			runErr := make(chan error, 1)
			go func() { runErr <- w.Run(ctx) }()
			if err := w.Bootstrap(ctx, m.Identification, controllerAddr); err != nil {
				errch <- fmt.Errorf("worker %d bootstrap: %w", i, err)
				return
			}
			errch <- <-runErr
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case err := <-errch:
		return err
	}
}

// newWorker builds one worker's full stack: UDP socket, shm client,
// core_id, codec, and the logic handler/packet store pair that closes the
// circular Sender dependency through the Worker itself.
func (m *Master) newWorker(ctx context.Context, workerIdx int, managerPath, socketDir string, configuredNodes map[string]logic.ConfiguredNode, cipher CipherConfig, ivRange connmgr.IVRange) (*Worker, error) {
	conn, err := netutil.ListenUDPReusePort(ctx, udpNetwork(m.Cfg.Net.IPv6), bindAddr(m.Cfg.Net))
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	codec := wire.New(m.Cfg.Net.Crypto.SaltLen, m.Cfg.Net.Crypto.IVLen, wire.FieldCalculators{
		Time: func() (uint64, error) { return uint64(time.Now().UnixMicro()), nil },
	})

	shmClient, err := shm.Dial(managerPath, socketDir, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial shm: %w", err)
	}

	coreID, err := AllocateCoreID(shmClient)
	if err != nil {
		conn.Close()
		shmClient.Close()
		return nil, fmt.Errorf("allocate core_id: %w", err)
	}

	idgen, err := snowflake.New(m.Cfg.Basic.NodeID, coreID)
	if err != nil {
		conn.Close()
		shmClient.Close()
		return nil, fmt.Errorf("new id generator: %w", err)
	}

	workerLogger, err := m.Cfg.NewLogger("core")
	if err != nil {
		conn.Close()
		shmClient.Close()
		return nil, fmt.Errorf("core logger: %w", err)
	}
	workerLogger = workerLogger.With().Int("worker", workerIdx).Uint8("core_id", coreID).Logger()

	w := NewWorker(workerLogger, m.Role, conn, codec, m.Cfg.Net.Crypto.IVLen, ivRange, shmClient, idgen, cipher)
	w.CoreID = uint64(coreID)

	store := pktstore.New(w, repeaterInterval)
	handler := logic.NewHandler(workerLogger, m.Role, m.Identification, w, store, loggingEvents{logger: workerLogger})
	handler.ConfiguredNodes = configuredNodes
	handler.ClusterRegistry = m.ClusterRegistry

	w.Store = store
	w.Handler = handler
	return w, nil
}

func udpNetwork(ipv6 bool) string {
	if ipv6 {
		return "udp6"
	}
	return "udp4"
}

func bindAddr(n nodecfg.NetConfig) string {
	return ":" + strconv.Itoa(n.AffListenPort)
}

func waitForSocket(ctx context.Context, path string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %s", path)
}
