package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/printfleet/pkg/distributor"
	"github.com/cuemby/printfleet/pkg/ejection"
	"github.com/cuemby/printfleet/pkg/events"
	"github.com/cuemby/printfleet/pkg/fleet"
	"github.com/cuemby/printfleet/pkg/log"
	"github.com/cuemby/printfleet/pkg/metrics"
	"github.com/cuemby/printfleet/pkg/reconciler"
	"github.com/cuemby/printfleet/pkg/security"
	"github.com/cuemby/printfleet/pkg/storage"
	"github.com/cuemby/printfleet/pkg/transport"
	"github.com/cuemby/printfleet/pkg/types"
	"github.com/cuemby/printfleet/pkg/vendora"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "printfleetd",
	Short: "printfleetd - fleet controller for a multi-vendor 3D print farm",
	Long: `printfleetd reconciles printer state across two vendor APIs,
matches print orders to ready printers, and drives the post-print
ejection sequence, all from a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"printfleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory holding the fleet's JSON documents and credential key")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(printerCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(ejectionCodeCmd)
	rootCmd.AddCommand(ejectionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func dataDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("data-dir")
	return dir
}

// openFleet wires up the storage and fleet layers rooted at data-dir.
// It is the common entry point for every subcommand that touches the
// fleet's persisted state.
func openFleet(cmd *cobra.Command) (*fleet.Store, *security.Codec, error) {
	dir := dataDir(cmd)
	disk, err := storage.New(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	fs, err := fleet.New(disk)
	if err != nil {
		return nil, nil, fmt.Errorf("load fleet state: %w", err)
	}
	key, err := security.LoadOrCreateKey(disk.KeyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load credential key: %w", err)
	}
	codec, err := security.NewCodec(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init credential codec: %w", err)
	}
	return fs, codec, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet controller daemon",
	Long: `Starts the reconcile loop, the ejection watchdog, the order
distributor, the event broadcaster, and a /metrics endpoint. Runs
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		fs, codec, err := openFleet(cmd)
		if err != nil {
			return err
		}

		transportReg := transport.New()
		if err := bootstrapTransports(fs, codec, transportReg); err != nil {
			return fmt.Errorf("bootstrap transports: %w", err)
		}

		ejectionMgr := ejection.New(fs, transportReg)
		broker := events.NewBroker()
		distrib := distributor.New(fs, transportReg, broker, codec)
		recon := reconciler.New(fs, transportReg, ejectionMgr, broker, distrib)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		broker.Start()
		recon.Start()
		go ejectionMgr.RunWatchdog(ctx)

		httpServer := &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux(fs, ejectionMgr, distrib),
		}
		go func() {
			log.WithComponent("printfleetd").Info().Str("addr", metricsAddr).Msg("metrics server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("printfleetd").Error().Err(err).Msg("metrics server failed")
			}
		}()

		log.WithComponent("printfleetd").Info().Msg("printfleetd started")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.WithComponent("printfleetd").Info().Msg("shutting down")
		cancel()
		recon.Stop()
		for _, p := range fs.Printers() {
			transportReg.Remove(p.Name)
		}
		broker.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9090", "Listen address for the /metrics endpoint")
}

// distributeTrigger mirrors pkg/reconciler's own narrow interface onto
// *distributor.Distributor, since the handler below only ever needs
// the one method.
type distributeTrigger interface {
	RequestPass()
}

// metricsMux serves /metrics plus a tiny operator control surface for
// the one daemon-lifetime flag that isn't part of the persisted
// document set (§6.5 lists exactly four documents; ejection_paused is
// the in-process atomic gate of §9). This is not the UI-facing HTTP/
// WebSocket API §1 excludes — no auth, no licensing, no asset serving,
// just the minimal hook needed to flip a running daemon's pause gate
// and drive the §4.6.4 mass-resume it unblocks, since a separate CLI
// invocation operates on its own Store instance and can't reach into
// another process's memory.
func metricsMux(fs *fleet.Store, ejectionMgr *ejection.Manager, distrib distributeTrigger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ejection/pause", ejectionPauseHandler(fs, ejectionMgr, distrib, true))
	mux.HandleFunc("/ejection/resume", ejectionPauseHandler(fs, ejectionMgr, distrib, false))
	return mux
}

// ejectionPauseHandler flips the global ejection_paused gate. On a
// true→false edge it immediately runs §4.6.4's mass resume, which puts
// every FINISHED printer parked at "Print Complete (Ejection Paused)"
// through the FINISHED handler right away, applies the results, and
// then requests a distribution pass.
func ejectionPauseHandler(fs *fleet.Store, ejectionMgr *ejection.Manager, distrib distributeTrigger, paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		previous := fs.SetEjectionPaused(paused)
		if previous && !paused {
			if updates := ejectionMgr.MassResume(); len(updates) > 0 {
				if err := fs.ApplyPrinterUpdates(updates); err != nil {
					log.WithComponent("printfleetd").Error().Err(err).Msg("failed to apply mass resume updates")
				}
			}
			if distrib != nil {
				distrib.RequestPass()
			}
		}
		fmt.Fprintf(w, "ejection_paused: %v -> %v\n", previous, paused)
	}
}

// bootstrapTransports reconstructs a live driver or MQTT session for
// every persisted printer so the reconciler has something to poll the
// moment it starts its first tick. A printer whose credential cannot be
// decrypted, or whose MQTT connect fails, is logged and skipped.
func bootstrapTransports(fs *fleet.Store, codec *security.Codec, reg *transport.Registry) error {
	for _, p := range fs.Printers() {
		switch p.Type {
		case types.VendorA:
			apiKey, err := codec.Decrypt(p.APIKey)
			if err != nil {
				log.WithPrinter(p.Name).Warn().Err(err).Msg("api key unavailable, skipping driver")
				continue
			}
			reg.PutVendorA(p.Name, vendora.NewDriver(p.IP, apiKey))
		case types.VendorB:
			accessCode, err := codec.Decrypt(p.AccessCode)
			if err != nil {
				log.WithPrinter(p.Name).Warn().Err(err).Msg("access code unavailable, skipping session")
				continue
			}
			if _, err := reg.EnsureVendorB(p.Name, p.IP, p.SerialNumber, accessCode); err != nil {
				log.WithPrinter(p.Name).Warn().Err(err).Msg("mqtt connect failed at startup")
			}
		}
	}
	return nil
}
