// Linecap - PLC trigger capture
//
// Watches Modbus PLCs for trigger edges, captures the configured register
// blocks into daily CSV files, and republishes each capture to MQTT,
// Valkey, Kafka and the HTTP event stream.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"linecap/api"
	"linecap/config"
	"linecap/csvlog"
	"linecap/kafka"
	"linecap/logging"
	"linecap/mqtt"
	"linecap/trigger"
	"linecap/tui"
	"linecap/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	autoStart   = flag.Bool("start", false, "Start monitoring when the TUI opens")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable HTTP API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (modbus,trigger,csv,mqtt,kafka,valkey,api or all)")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("linecap %s\n", Version)
		os.Exit(0)
	}

	headless := *noTUI || *noTUILong

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Web overrides are in memory only
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}
	if *autoStart {
		cfg.AutoStart = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg, headless)
}

// run is the unified startup flow for both TUI and headless modes.
func run(cfg *config.Config, headless bool) {
	store := logging.NewStore(cfg.UI.LogLines)

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not open log file: %v\n", err)
		} else {
			store.SetFileLogger(fileLogger)
		}
	}

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			fmt.Printf("Debug logging enabled: debug.log (filter: %s)\n", *logDebug)
		}
	}

	sup := trigger.NewSupervisor(csvlog.NewWriter(), nil)
	sup.SetLogFunc(store.Log)

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	sup.AddPublisher(mqttMgr)

	valkeyMgr := valkey.NewManager(cfg.Namespace)
	valkeyMgr.LoadFromConfig(cfg.Valkey)
	sup.AddPublisher(valkeyMgr)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka)
	sup.AddPublisher(kafkaMgr)

	var apiServer *api.Server
	apiAddress := ""
	if cfg.Web.Enabled {
		apiServer = api.NewServer(api.Deps{
			Config:     cfg,
			Supervisor: sup,
			Logs:       store,
		}, &cfg.Web)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not start API server: %v\n", err)
			apiServer = nil
		} else {
			apiAddress = apiServer.Address()
			sup.AddPublisher(apiServer)
			if headless {
				fmt.Printf("API server listening on %s\n", apiAddress)
			}
		}
	}

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			store.Log("Started %d MQTT publisher(s)", started)
		}
	}()
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 {
			store.Log("Started %d Valkey publisher(s)", started)
		}
	}()
	go kafkaMgr.ConnectEnabled()

	shutdown := func() {
		done := make(chan struct{})
		go func() {
			sup.Stop()
			if sess := sup.Session(); sess != nil {
				sess.Wait(2 * time.Second)
			}
			mqttMgr.StopAll()
			valkeyMgr.StopAll()
			kafkaMgr.StopAll()
			if apiServer != nil {
				apiServer.Stop()
			}
			// Flush queued log lines to the file mirror and stdout.
			store.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}

		if fileLogger != nil {
			fileLogger.Close()
		}
		if debugLogger != nil {
			debugLogger.Close()
		}
	}

	if headless {
		store.Subscribe(func(e logging.Entry) {
			fmt.Printf("%s %s\n", e.Time.Format("2006-01-02 15:04:05.000"), e.Message)
		})

		if sup.StartFromConfig(cfg) == nil {
			fmt.Fprintln(os.Stderr, "Warning: nothing to monitor (no PLCs or outputs configured)")
		}

		fmt.Println("Running in headless mode. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)

		shutdown()
		fmt.Println("Stopped")
		return
	}

	// Keep runtime errors from corrupting the terminal display.
	stderrPath := filepath.Join(filepath.Dir(*configPath), "linecap-crash.log")
	if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		redirectStderr(f)
		defer f.Close()
	}

	app := tui.NewApp(cfg, sup, store, apiAddress)
	err := app.Run()
	shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
