package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"
	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/trellis-host/trellis/config"
	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/internal/version"
	"github.com/trellis-host/trellis/logger"
	"github.com/trellis-host/trellis/manifest"
	"github.com/trellis-host/trellis/registry"
)

// PluginsCmd groups plugin management subcommands
var PluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and manage discovered plugins",
	Long: `Inspect and manage the plugins in the configured plugin directory.

Enable and disable toggles persist in the state database and survive
restarts. Validation failures are recorded, never silently dropped: a
broken plugin shows as failed, which is distinct from disabled.

Examples:
  trellis plugins list                # Show every discovered plugin
  trellis plugins disable billing     # Keep billing out of the next compose
  trellis plugins validate ./my-app   # Check a manifest without mounting
  trellis plugins install github.com/acme/billing-plugin
  trellis plugins init my-app         # Scaffold a starter manifest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PluginsListCmd lists every discovered plugin with its state
var PluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := discoverRegistry()
		if err != nil {
			return err
		}

		entries := reg.List()
		if len(entries) == 0 {
			pterm.Info.Println("No plugins discovered")
			return nil
		}

		rows := pterm.TableData{{"Plugin", "Version", "Kind", "Enabled", "State", "Error"}}
		for _, entry := range entries {
			ver, kind := "", ""
			if entry.Descriptor != nil {
				ver = entry.Descriptor.Version.String()
				kind = entry.Descriptor.Kind.String()
			}
			errText := ""
			if entry.Err != nil {
				errText = entry.Err.Error()
			}
			rows = append(rows, []string{
				entry.Name, ver, kind,
				fmt.Sprintf("%t", entry.Enabled),
				string(entry.State), errText,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

// PluginsEnableCmd enables a plugin for the next composition pass
var PluginsEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

// PluginsDisableCmd disables a plugin without removing it
var PluginsDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a plugin",
	Long: `Disable a plugin. The plugin stays in the directory and in the
registry but is excluded from composition until re-enabled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

// PluginsValidateCmd checks a plugin directory's manifest
var PluginsValidateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a plugin manifest without mounting it",
	Long: `Parse and validate the manifest in the given plugin directory.

Extension-level structural checks need the full host layout and run only
during composition; this command covers manifest syntax, version and
kind validation, route group declarations, and the settings schema.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		desc, err := manifest.ParseManifest(dir)
		if err != nil {
			pterm.Error.Printf("Invalid: %v\n", err)
			return errors.Newf("validation failed for %s", dir)
		}

		pterm.Success.Printf("Valid %s plugin %q version %s\n",
			desc.Kind, desc.Name, desc.Version)
		for _, g := range desc.Groups {
			pterm.Info.Printf("  group %s at %s (tag %s)\n", g.Name, g.Prefix, g.Tag)
		}
		if len(desc.Settings) > 0 {
			pterm.Info.Printf("  settings: %s\n", strings.Join(desc.SettingKeys(), ", "))
		}
		return nil
	},
}

// PluginsInstallCmd fetches a plugin into the plugin directory
var PluginsInstallCmd = &cobra.Command{
	Use:   "install <src>",
	Short: "Fetch a plugin into the plugin directory",
	Long: `Fetch a plugin from a local path, git URL, GitHub shorthand, or
archive URL into the configured plugin directory. The fetched manifest is
validated before the plugin is moved into place; a plugin that fails
validation is never installed.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

// PluginsInitCmd scaffolds a starter manifest
var PluginsInitCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Scaffold a starter plugin manifest",
	RunE:  runInit,
}

var (
	installName string
	initDir     string
	initKind    string
)

func init() {
	PluginsInstallCmd.Flags().StringVar(&installName, "name", "", "Install under this plugin name (default: derived from source)")
	PluginsInitCmd.Flags().StringVar(&initDir, "dir", "", "Parent directory (default: configured plugin directory)")
	PluginsInitCmd.Flags().StringVar(&initKind, "kind", "app", "Plugin kind: app or extension")

	PluginsCmd.AddCommand(PluginsListCmd)
	PluginsCmd.AddCommand(PluginsEnableCmd)
	PluginsCmd.AddCommand(PluginsDisableCmd)
	PluginsCmd.AddCommand(PluginsValidateCmd)
	PluginsCmd.AddCommand(PluginsInstallCmd)
	PluginsCmd.AddCommand(PluginsInitCmd)
}

// discoverRegistry runs a discovery scan without composing anything.
func discoverRegistry() (*registry.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return nil, err
	}
	defer database.Close()

	reg, err := registry.New(version.Version, registry.NewStateStore(database), logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := reg.Discover(cfg.Plugins.Dir, hostLayout()); err != nil {
		return nil, errors.Wrap(err, "discovery failed")
	}
	return reg, nil
}

// hostLayout builds the built-in namespace view used for standalone
// discovery, matching what serve seeds into each composition pass.
func hostLayout() manifest.HostLayout {
	return host.NewNamespaces(hostBuiltins()...)
}

func setEnabled(name string, enabled bool) error {
	reg, err := discoverRegistry()
	if err != nil {
		return err
	}

	if _, ok := reg.Get(name); !ok {
		return errors.Newf("unknown plugin: %s", name)
	}
	if err := reg.SetEnabled(name, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	pterm.Success.Printf("Plugin %s %s\n", name, state)
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	src := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	name := installName
	if name == "" {
		name = deriveInstallName(src)
	}
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return errors.Newf("cannot derive a plugin name from %s, use --name", src)
	}

	dest := filepath.Join(cfg.Plugins.Dir, name)
	if _, err := os.Stat(dest); err == nil {
		return errors.Newf("plugin %s already installed at %s", name, dest)
	}

	// Fetch to a staging directory so a failed or invalid fetch never
	// lands in the scanned plugin directory
	staging, err := os.MkdirTemp("", fmt.Sprintf("trellis-install-%s-*", name))
	if err != nil {
		return errors.Wrap(err, "failed to create staging directory")
	}
	defer os.RemoveAll(staging)

	stagingPlugin := filepath.Join(staging, name)
	client := &getter.Client{
		Ctx:     context.Background(),
		Src:     src,
		Dst:     stagingPlugin,
		Mode:    getter.ClientModeDir,
		Getters: getter.Getters,
	}

	pterm.Info.Printf("Fetching %s\n", src)
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "failed to fetch %s", src)
	}

	desc, err := manifest.ParseManifest(stagingPlugin)
	if err != nil {
		return errors.Wrap(err, "fetched plugin failed validation")
	}

	if err := os.MkdirAll(cfg.Plugins.Dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create plugin directory")
	}
	if err := os.Rename(stagingPlugin, dest); err != nil {
		return errors.Wrapf(err, "failed to move plugin into %s", dest)
	}

	pterm.Success.Printf("Installed %s plugin %q version %s at %s\n",
		desc.Kind, desc.Name, desc.Version, dest)
	return nil
}

// deriveInstallName extracts a plugin name from an install source,
// stripping query strings, a .git suffix, and archive extensions.
func deriveInstallName(src string) string {
	base := src
	if idx := strings.IndexAny(base, "?#"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSuffix(base, "/")
	base = filepath.Base(base)
	base = strings.TrimSuffix(base, ".git")
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.bz2", ".zip"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// scaffoldManifest is the starter manifest written by plugins init.
type scaffoldManifest struct {
	Name      string                     `toml:"name"`
	Version   string                     `toml:"version"`
	Requires  string                     `toml:"requires,omitempty"`
	App       *struct{}                  `toml:"app,omitempty"`
	Extension *scaffoldExtension         `toml:"extension,omitempty"`
	Groups    []scaffoldGroup            `toml:"group,omitempty"`
	Settings  map[string]scaffoldSetting `toml:"settings,omitempty"`
}

type scaffoldExtension struct {
	Target string `toml:"target"`
}

type scaffoldGroup struct {
	Name   string `toml:"name"`
	Prefix string `toml:"prefix"`
	Tag    string `toml:"tag,omitempty"`
}

type scaffoldSetting struct {
	Type    string      `toml:"type"`
	Default interface{} `toml:"default,omitempty"`
}

func runInit(cmd *cobra.Command, args []string) error {
	name := args[0]

	parent := initDir
	if parent == "" {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		parent = cfg.Plugins.Dir
	}

	scaffold := scaffoldManifest{
		Name:     name,
		Version:  "0.1.0",
		Requires: fmt.Sprintf(">= %s", version.Version),
	}
	switch initKind {
	case "app":
		scaffold.App = &struct{}{}
		scaffold.Groups = []scaffoldGroup{
			{Name: "api", Prefix: "/" + name + "/api", Tag: "api"},
		}
	case "extension":
		scaffold.Extension = &scaffoldExtension{Target: "system"}
	default:
		return errors.Newf("unknown kind %q, expected app or extension", initKind)
	}

	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(filepath.Join(dir, "api"), 0o755); err != nil {
		return errors.Wrap(err, "failed to create plugin directory")
	}

	path := filepath.Join(dir, manifest.FileTOML)
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("manifest already exists at %s", path)
	}

	data, err := toml.Marshal(scaffold)
	if err != nil {
		return errors.Wrap(err, "failed to render manifest")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}

	pterm.Success.Printf("Scaffolded %s plugin at %s\n", initKind, dir)
	return nil
}
