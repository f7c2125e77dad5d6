// Command modctl is the composition root wiring every package together
// behind a thin flag-based CLI: a command-name switch, one function per
// command, every collaborator built here and passed explicitly.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/sawtoothlabs/modctl/internal/auth"
	"github.com/sawtoothlabs/modctl/internal/cache"
	"github.com/sawtoothlabs/modctl/internal/ctllog"
	"github.com/sawtoothlabs/modctl/internal/depexpr"
	"github.com/sawtoothlabs/modctl/internal/depgraph"
	"github.com/sawtoothlabs/modctl/internal/depvalidate"
	"github.com/sawtoothlabs/modctl/internal/httpstack"
	"github.com/sawtoothlabs/modctl/internal/modlist"
	"github.com/sawtoothlabs/modctl/internal/modregistry"
	"github.com/sawtoothlabs/modctl/internal/portal"
	"github.com/sawtoothlabs/modctl/internal/ptree"
	"github.com/sawtoothlabs/modctl/internal/resolver"
	"github.com/sawtoothlabs/modctl/internal/runtime"
	"github.com/sawtoothlabs/modctl/internal/savefile"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		modsDir     = flag.String("mods-dir", "", "Mods directory (default: platform-specific)")
		parallelism = flag.Int("parallelism", resolver.DefaultParallelism, "Metadata fetch parallelism")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: modctl <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list               List installed mods\n")
		fmt.Fprintf(os.Stderr, "  validate           Validate the installed mod set against the mod list\n")
		fmt.Fprintf(os.Stderr, "  install <name>     Resolve and print an install plan for a mod\n")
		fmt.Fprintf(os.Stderr, "  uninstall <name>   Plan removal of an installed mod\n")
		fmt.Fprintf(os.Stderr, "  auth [user] [token] [key] Save portal credentials (prompts for any omitted, masking the token)\n")
		fmt.Fprintf(os.Stderr, "  save-info <path>   Print a save archive's header and mod list\n")
		fmt.Fprintf(os.Stderr, "  settings-info <path> Print a settings file's sections and keys\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("modctl version %s\n", version)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	rt := runtime.New()
	resolvedModsDir := *modsDir
	if resolvedModsDir == "" {
		dir, err := rt.DefaultInstallRoot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		resolvedModsDir = dir
	}

	ctx := context.Background()
	logger := ctllog.Default()

	var err error
	switch args[0] {
	case "list":
		err = runList(resolvedModsDir, logger)
	case "validate":
		err = runValidate(resolvedModsDir, logger)
	case "install":
		if len(args) < 2 {
			err = fmt.Errorf("usage: modctl install <name>")
			break
		}
		err = runInstall(ctx, rt, args[1], *parallelism)
	case "uninstall":
		if len(args) < 2 {
			err = fmt.Errorf("usage: modctl uninstall <name>")
			break
		}
		err = runUninstall(resolvedModsDir, args[1], logger)
	case "auth":
		err = runAuth(rt, args[1:])
	case "save-info":
		if len(args) < 2 {
			err = fmt.Errorf("usage: modctl save-info <path>")
			break
		}
		err = runSaveInfo(args[1])
	case "settings-info":
		if len(args) < 2 {
			err = fmt.Errorf("usage: modctl settings-info <path>")
			break
		}
		err = runSettingsInfo(args[1])
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func modListPath(modsDir string) string {
	return filepath.Join(modsDir, "mod-list.json")
}

func runList(modsDir string, logger ctllog.Logger) error {
	mods, err := modregistry.Scan(modsDir, "", logger)
	if err != nil {
		return err
	}
	list, err := modlist.Load(modListPath(modsDir))
	if err != nil {
		return err
	}
	for _, m := range mods {
		enabled, _ := list.Enabled(m.Name)
		fmt.Printf("%-30s %-12s %-10s enabled=%v\n", m.Name, m.Version.String(), m.Form, enabled)
	}
	return nil
}

// scanView adapts a registry scan and a modlist.Store to
// depvalidate.RegistryView.
type scanView struct {
	byName map[string]modregistry.InstalledMod
	list   *modlist.Store
}

func (v scanView) InstalledVersion(name string) (semver.Version, bool) {
	m, ok := v.byName[name]
	if !ok {
		return semver.Version{}, false
	}
	return m.Version, true
}

func (v scanView) IsEnabled(name string) bool {
	enabled, err := v.list.Enabled(name)
	return err == nil && enabled
}

func (v scanView) RegistryNames() []string {
	names := make([]string, 0, len(v.byName))
	for name := range v.byName {
		names = append(names, name)
	}
	return names
}

func (v scanView) ListNames() []string {
	var names []string
	v.list.Each(func(e modlist.Entry) { names = append(names, e.Name) })
	return names
}

func runValidate(modsDir string, logger ctllog.Logger) error {
	mods, err := modregistry.Scan(modsDir, "", logger)
	if err != nil {
		return err
	}
	list, err := modlist.Load(modListPath(modsDir))
	if err != nil {
		return err
	}

	g := depgraph.New()
	byName := make(map[string]modregistry.InstalledMod, len(mods))
	for _, m := range mods {
		byName[m.Name] = m
		enabled, _ := list.Enabled(m.Name)
		v := m.Version
		g.AddNode(depgraph.Node{Name: m.Name, Version: &v, Enabled: enabled, Installed: true})
	}
	for _, m := range mods {
		for _, dep := range m.Info.Dependencies {
			spec, err := depexpr.Parse(dep)
			if err != nil {
				logger.Debugf("validate: skipping dependency %q of %s: %v", dep, m.Name, err)
				continue
			}
			if spec.Target == "base" || modregistry.IsReservedExpansion(spec.Target) {
				continue
			}
			g.AddEdge(depgraph.Edge{From: m.Name, To: spec.Target, Kind: spec.Kind, Constraint: spec.Constraint})
		}
	}

	findings := depvalidate.Validate(g, scanView{byName: byName, list: list})
	if len(findings) == 0 {
		fmt.Println("no issues found")
		return nil
	}
	for _, f := range findings {
		fmt.Printf("%s: %+v\n", f.Kind, f)
	}
	return nil
}

type emptyRegistry struct{}

func (emptyRegistry) InstalledVersion(name string) (semver.Version, bool) {
	return semver.Version{}, false
}

func runInstall(ctx context.Context, rt runtime.Runtime, name string, parallelism int) error {
	bus := httpstack.NewEventBus()
	cacheDir, err := rt.UserConfigDir()
	if err != nil {
		return err
	}
	ttl := 10 * time.Minute
	catalogCache := cache.NewLocalFS(filepath.Join(cacheDir, "cache"), "catalog", &ttl, cache.Threshold(64*1024))

	base := httpstack.NewBaseClient(httpstack.DefaultTimeouts())
	catalog := httpstack.NewRetryDecorator(httpstack.NewCacheDecorator(base, catalogCache, bus))
	download := httpstack.NewRetryDecorator(base)

	pc := portal.New(catalog, download, bus, portal.DefaultBaseURL, portal.WithCatalogCache(catalogCache))
	r := resolver.New(pc, parallelism)

	plan, err := r.Resolve(ctx, []resolver.Request{{Name: name}}, emptyRegistry{})
	if err != nil {
		return err
	}
	for _, entry := range plan.Installs {
		fmt.Printf("install %s %s (required by %v)\n", entry.Name, entry.Release.Version, entry.RequiredBy)
	}
	return nil
}

func runUninstall(modsDir, name string, logger ctllog.Logger) error {
	mods, err := modregistry.Scan(modsDir, "", logger)
	if err != nil {
		return err
	}
	list, err := modlist.Load(modListPath(modsDir))
	if err != nil {
		return err
	}
	plan, err := resolver.PlanUninstall(name, mods, list)
	if err != nil {
		return err
	}
	fmt.Printf("uninstall %s\n", plan.Name)
	return nil
}

// runAuth saves portal credentials, prompting interactively for any of
// username/token/API-key not supplied on the command line. The token
// and API key are read with a masked prompt so they never echo.
func runAuth(rt runtime.Runtime, args []string) error {
	username := argOrEmpty(args, 0)
	token := argOrEmpty(args, 1)
	apiKey := argOrEmpty(args, 2)

	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		fmt.Print("Portal username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	if token == "" {
		fmt.Print("Portal token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		fmt.Println()
		token = string(tokenBytes)
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	if apiKey == "" {
		fmt.Print("Upload API key (blank to skip): ")
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("reading api key: %w", err)
		}
		fmt.Println()
		apiKey = string(keyBytes)
	}

	configDir, err := rt.UserConfigDir()
	if err != nil {
		return err
	}
	store := auth.NewStore(configDir)
	return store.Save(&auth.Credentials{FactorioUsername: username, FactorioToken: token, APIKey: apiKey})
}

func argOrEmpty(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func runSettingsInfo(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	settings, err := ptree.ReadSettingsFile(f)
	if err != nil {
		return err
	}
	fmt.Printf("game version: %s\n", settings.Version)
	for _, section := range []string{ptree.SectionStartup, ptree.SectionRuntimeGlobal, ptree.SectionRuntimePerUser} {
		entries, ok := settings.Section(section)
		if !ok {
			continue
		}
		fmt.Printf("%s (%d settings)\n", section, len(entries))
		for _, e := range entries {
			fmt.Printf("  %s\n", e.Key)
		}
	}
	return nil
}

func runSaveInfo(path string) error {
	save, err := savefile.Open(path)
	if err != nil {
		return err
	}
	fmt.Printf("level: %s (base mod %s)\n", save.Header.LevelName, save.Header.BaseMod)
	fmt.Printf("game version: %s\n", save.Header.GameVersion)
	for _, m := range save.Header.Mods {
		fmt.Printf("  mod: %s %s (crc %08x)\n", m.Name, m.Version, m.CRC)
	}
	return nil
}
