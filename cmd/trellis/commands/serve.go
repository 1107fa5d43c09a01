package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/trellis-host/trellis/compose"
	"github.com/trellis-host/trellis/config"
	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/internal/version"
	"github.com/trellis-host/trellis/logger"
	"github.com/trellis-host/trellis/registry"
)

// ServeCmd composes the plugin tree and starts the host
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Compose the plugin tree and start serving",
	Long: `Scan the plugin directory, compose every valid plugin into the host
route tree, and start serving HTTP.

In lenient mode (default) failed or conflicting plugins are skipped and
the host starts with whatever mounted cleanly. With --strict, any plugin
that does not mount aborts startup.`,
	RunE: runServe,
}

var (
	servePluginDir string
	serveDBPath    string
	servePort      int
	serveStrict    bool
	serveNoWatch   bool
)

func init() {
	ServeCmd.Flags().StringVar(&servePluginDir, "plugin-dir", "", "Plugin directory (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "State database path (overrides config)")
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config)")
	ServeCmd.Flags().BoolVar(&serveStrict, "strict", false, "Abort startup if any plugin fails to mount")
	ServeCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable recompose on plugin directory changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	pluginDir := cfg.Plugins.Dir
	if servePluginDir != "" {
		pluginDir = servePluginDir
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}
	strict := cfg.Plugins.Strict || serveStrict

	database, err := openDatabase(serveDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	handlers := &hostHandlers{}
	composer, err := compose.New(compose.Options{
		PluginDir:   pluginDir,
		HostVersion: version.Version,
		Strict:      strict,
		Builtins:    hostBuiltins(),
		HostSettings: map[string]interface{}{
			"host.version": version.Version,
		},
		Handlers:   handlers,
		StateStore: registry.NewStateStore(database),
		Logger:     logger.Logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create composer")
	}
	handlers.composer = composer

	report, err := composer.Compose()
	if err != nil {
		if report != nil {
			printReport(report)
		}
		return errors.Wrap(err, "composition failed")
	}
	printReport(report)

	if cfg.Plugins.Watch && !serveNoWatch {
		watcher, err := compose.NewWatcher(composer, logger.Logger)
		if err != nil {
			logger.Warnw("Plugin watcher unavailable", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
	srv := &http.Server{
		Addr:    addr,
		Handler: composer.Host(),
	}

	pterm.Success.Printf("Trellis serving on http://%s (%d plugins mounted)\n",
		addr, report.Mounted())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
	case sig := <-sigChan:
		pterm.Info.Printf("Received %s, shutting down\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown error")
		}
	}

	pterm.Info.Println("Trellis stopped")
	return nil
}

// hostBuiltins defines the host's own namespaces. These are pre-seeded
// into every composition pass and can never be shadowed by a plugin.
func hostBuiltins() []host.Namespace {
	return []host.Namespace{
		{
			Name: "system",
			Groups: []host.RouteGroupInfo{
				{Name: "health", Prefix: "/healthz", Tag: "health"},
				{Name: "version", Prefix: "/version", Tag: "version"},
				{Name: "plugins", Prefix: "/api/plugins", Tag: "plugins"},
			},
		},
	}
}

// hostHandlers resolves entry points for built-in route groups and serves
// mount metadata for plugin groups. The composer field is set after
// construction; built-in handlers read composition state lazily so they
// survive recompose.
type hostHandlers struct {
	composer *compose.Composer
}

func (h *hostHandlers) Handler(op compose.MountOperation) (http.Handler, error) {
	if op.PluginName != "" {
		return h.pluginHandler(op), nil
	}

	switch op.Tag {
	case "health":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]string{"status": "ok"})
		}), nil
	case "version":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, version.Get())
		}), nil
	case "plugins":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, h.pluginListing())
		}), nil
	default:
		return nil, errors.Newf("unknown builtin route group: %s", op.Tag)
	}
}

// pluginHandler answers a mounted plugin group with its mount metadata.
// Plugins in this host are declarative route claims, not executable code,
// so the mounted surface reports what owns each prefix.
func (h *hostHandlers) pluginHandler(op compose.MountOperation) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"plugin":    op.PluginName,
			"namespace": op.TargetNamespace,
			"group":     op.Group,
			"tag":       op.Tag,
		})
	})
}

type pluginStatus struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

func (h *hostHandlers) pluginListing() []pluginStatus {
	entries := h.composer.Registry().List()
	statuses := make([]pluginStatus, 0, len(entries))
	for _, entry := range entries {
		st := pluginStatus{
			Name:    entry.Name,
			Enabled: entry.Enabled,
			State:   string(entry.State),
		}
		if entry.Descriptor != nil {
			st.Version = entry.Descriptor.Version.String()
			st.Kind = entry.Descriptor.Kind.String()
		}
		if entry.Err != nil {
			st.Error = entry.Err.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}

// printReport renders the composition report as an operator-facing table.
func printReport(report *compose.Report) {
	if len(report.Results) == 0 {
		pterm.Info.Println("No plugins discovered")
		return
	}

	rows := pterm.TableData{{"Plugin", "Outcome", "Groups", "Reason"}}
	for _, res := range report.Results {
		groups := ""
		if res.Outcome == compose.OutcomeMounted {
			groups = fmt.Sprintf("%d", res.Groups)
		}
		rows = append(rows, []string{res.Name, string(res.Outcome), groups, res.Reason})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
