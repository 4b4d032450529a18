package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pyhost/pyhost/internal/backend"
	"github.com/pyhost/pyhost/internal/config"
	"github.com/pyhost/pyhost/internal/host"
	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/venv"
	"github.com/pyhost/pyhost/pkg/client"
)

// command binds CLI handlers to the shared global flags. Runtime and venv
// commands operate on a locally constructed host; backend lifecycle commands
// go through the daemon API because process handles live in the daemon.
type command struct {
	global *GlobalFlags
}

func (c *command) openHost(ctx context.Context, opts ...host.Option) (*host.Host, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	return host.New(ctx, cfg, opts...)
}

func (c *command) api(ctx context.Context, f APIFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cl := client.New(cfg)
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'pyhost serve'", cfg.BaseURL)
	}
	return cl, nil
}

// Init registers and initializes the default embedded runtime, downloading a
// distribution when no interpreter is present yet.
func (c *command) Init(ctx context.Context) error {
	h, err := c.openHost(ctx, host.WithProgress(newProgressPrinter(os.Stderr)))
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	e, err := h.Init(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("runtime %q ready (python %s) at %s\n", e.Name, e.Version, e.Path)
	return nil
}

func (c *command) RuntimeList(ctx context.Context) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()
	printRuntimeTable(h.Registry().GetAvailableRuntimes())
	return nil
}

func (c *command) RuntimeCreate(ctx context.Context, f RuntimeFlags) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	typ := registry.RuntimeType(strings.ToLower(f.Type))
	var id string
	if f.Path != "" {
		id, err = h.Registry().RegisterExisting(f.Name, typ, f.Path)
	} else {
		id, err = h.Registry().CreateManagedRuntime(f.Name, typ)
	}
	if err != nil {
		return err
	}
	e, _ := h.Registry().GetRuntime(id)
	printJSON(e)
	return nil
}

func (c *command) RuntimeInit(ctx context.Context, f RuntimeFlags) error {
	h, err := c.openHost(ctx, host.WithProgress(newProgressPrinter(os.Stderr)))
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	ok, err := h.Registry().InitializeRuntime(ctx, f.ID)
	if err != nil {
		return err
	}
	e, gerr := h.Registry().GetRuntime(f.ID)
	if gerr != nil {
		return gerr
	}
	if !ok {
		return fmt.Errorf("runtime %q failed to initialize: %s - fix the cause and run 'pyhost runtime init' again", e.Name, e.LastError)
	}
	printJSON(e)
	return nil
}

func (c *command) RuntimeDefault(ctx context.Context, f RuntimeFlags) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()
	return h.Registry().SetDefaultRuntime(f.ID)
}

func (c *command) RuntimeRemove(ctx context.Context, f RuntimeFlags) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()
	return h.Registry().RemoveRuntime(f.ID)
}

func (c *command) VenvCreate(ctx context.Context, f VenvFlags) error {
	h, err := c.openHost(ctx, host.WithProgress(newProgressPrinter(os.Stderr)))
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	name := venv.ScopedName(f.Name, f.Scope)
	path, err := h.EnsureEnvironment(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("environment %q ready at %s\n", name, path)

	if len(f.Packages) == 0 {
		return nil
	}
	specs := make([]venv.PackageSpec, 0, len(f.Packages))
	for _, raw := range f.Packages {
		specs = append(specs, parsePackageSpec(raw))
	}
	if err := h.Provisioner().InstallPackages(ctx, name, specs...); err != nil {
		return err
	}
	printPackageTable(h.Provisioner().EnvironmentStatus(ctx, name).Packages)
	return nil
}

func (c *command) VenvAdmin(ctx context.Context) error {
	h, err := c.openHost(ctx, host.WithProgress(newProgressPrinter(os.Stderr)))
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	path, err := h.EnsureAdminEnvironment(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("admin environment ready at %s\n", path)
	return nil
}

func (c *command) VenvList(ctx context.Context) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	envs, err := h.Provisioner().ListEnvironments(ctx)
	if err != nil {
		return err
	}
	printEnvTable(envs)
	return nil
}

func (c *command) VenvStatus(ctx context.Context, name string) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()
	printJSON(h.Provisioner().EnvironmentStatus(ctx, name))
	return nil
}

func (c *command) VenvDelete(ctx context.Context, name string) error {
	h, err := c.openHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close(context.Background()) }()

	if h.Provisioner().DeleteEnvironment(ctx, name) {
		fmt.Printf("environment %q deleted\n", name)
	} else {
		fmt.Printf("environment %q not fully removed (files may be in use)\n", name)
	}
	return nil
}

// Start launches a backend via the daemon. An empty venv path lets the
// daemon auto-provision its default environment.
func (c *command) Start(ctx context.Context, f StartFlags) error {
	if _, err := backend.ParseType(f.Type); err != nil {
		return err
	}
	cl, err := c.api(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	b, err := cl.StartBackend(ctx, f.Type, f.VenvPath, f.Port)
	if err != nil {
		return err
	}
	printBackendTable([]client.Backend{b})
	return nil
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	if _, err := backend.ParseType(f.Type); err != nil {
		return err
	}
	cl, err := c.api(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	target, err := resolveBackend(ctx, cl, f.Type, f.VenvPath)
	if err != nil {
		return err
	}
	b, err := cl.StopBackend(ctx, target.BackendType, target.VenvPath)
	if err != nil {
		return err
	}
	printBackendTable([]client.Backend{b})
	return nil
}

// Status prints the backend table from the daemon.
func (c *command) Status(ctx context.Context, f APIFlags) error {
	cl, err := c.api(ctx, f)
	if err != nil {
		return err
	}
	backends, err := cl.ListBackends(ctx)
	if err != nil {
		return err
	}
	printBackendTable(backends)
	return nil
}

// List prints registered runtimes and environments from the daemon.
func (c *command) List(ctx context.Context, f APIFlags) error {
	cl, err := c.api(ctx, f)
	if err != nil {
		return err
	}
	runtimes, err := cl.ListRuntimes(ctx)
	if err != nil {
		return err
	}
	envs, err := cl.ListEnvironments(ctx)
	if err != nil {
		return err
	}
	printClientRuntimeTable(runtimes)
	fmt.Println()
	printClientEnvTable(envs)
	return nil
}

func (c *command) Eval(ctx context.Context, f EvalFlags) error {
	if _, err := backend.ParseType(f.Type); err != nil {
		return err
	}
	cl, err := c.api(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	target, err := resolveBackend(ctx, cl, f.Type, f.VenvPath)
	if err != nil {
		return err
	}
	res, err := cl.Evaluate(ctx, target.BackendType, target.VenvPath, f.Expression)
	if err != nil {
		return err
	}
	if res.Error != "" {
		if res.Traceback != "" {
			_, _ = fmt.Fprintln(os.Stderr, res.Traceback)
		}
		return fmt.Errorf("%s: %s", res.Type, res.Error)
	}
	fmt.Println(string(res.Result))
	return nil
}

// resolveBackend picks the running backend matching type and, when given, the
// venv path.
func resolveBackend(ctx context.Context, cl *client.Client, typ, venvPath string) (client.Backend, error) {
	backends, err := cl.ListBackends(ctx)
	if err != nil {
		return client.Backend{}, err
	}
	want, _ := backend.ParseType(typ)
	for _, b := range backends {
		got, err := backend.ParseType(b.BackendType)
		if err != nil || got != want {
			continue
		}
		if venvPath != "" && b.VenvPath != venvPath {
			continue
		}
		if b.State == "running" {
			return b, nil
		}
	}
	if venvPath != "" {
		return client.Backend{}, fmt.Errorf("no running %s backend for %s", typ, venvPath)
	}
	return client.Backend{}, fmt.Errorf("no running %s backend", typ)
}

// parsePackageSpec splits "name==1.2" style requirements into name and
// constraint. A bare name means any version.
func parsePackageSpec(raw string) venv.PackageSpec {
	if i := strings.IndexAny(raw, "=<>!~"); i > 0 {
		return venv.PackageSpec{Name: raw[:i], Constraint: raw[i:]}
	}
	return venv.PackageSpec{Name: raw}
}
