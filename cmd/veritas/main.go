// Command veritas is the client shell: it signs in against the profile store API, keeps
// the profile synchronized in a local cache and drives search and captures.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"veritas/api/internal/cache"
	"veritas/api/internal/config"
	"veritas/api/internal/logging"
	"veritas/api/internal/profilesync"
	"veritas/api/internal/remote"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env is the per-invocation client state shared by all subcommands.
type env struct {
	cfg    config.ClientConfig
	log    *zap.Logger
	store  cache.Store
	client *remote.Client
	in     io.Reader
	out    io.Writer
	closer func()
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	e := &env{in: in, out: out}
	var verbose bool

	root := &cobra.Command{
		Use:           "veritas",
		Short:         "Veritas profile client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd.Context(), verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newLoginCmd(e),
		newLogoutCmd(e),
		newWhoamiCmd(e),
		newWatchCmd(e),
		newSearchCmd(e),
		newProfileCmd(e),
		newCaptureCmd(e),
		newOverlayCmd(e),
		newAdminCmd(e),
	)
	return root
}

func (e *env) open(ctx context.Context, verbose bool) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	e.cfg = cfg

	logger, err := logging.NewClient(cfg.Debug || verbose)
	if err != nil {
		return err
	}
	e.log = logger

	switch cfg.CacheBackend {
	case "redis":
		st, err := cache.NewRedisStore(cfg.CacheRedisURL, "")
		if err != nil {
			return err
		}
		e.store = st
		e.closer = func() { _ = st.Close() }
	case "sqlite", "":
		st, err := cache.OpenSQLite(expandHome(cfg.CacheDir))
		if err != nil {
			return err
		}
		e.store = st
		e.closer = func() { _ = st.Close() }
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	e.client = remote.New(cfg.APIURL, e.store, nil, logger)
	return e.client.Restore(ctx)
}

func (e *env) close() {
	if e.closer != nil {
		e.closer()
	}
	if e.log != nil {
		_ = e.log.Sync()
	}
}

// mount starts a synchronizer wired to the client's auth events and runs the initial
// load. The returned func tears both down.
func (e *env) mount(ctx context.Context) (*profilesync.Synchronizer, func(), error) {
	syncer := profilesync.New(e.client, cache.NewProfileCache(e.store), profilesync.Options{
		AuthFetchTimeout: e.cfg.AuthFetchTimeout,
		Logger:           e.log,
	})
	unsubscribe := e.client.OnAuthStateChange(syncer.HandleAuthEvent)
	teardown := func() {
		unsubscribe()
		syncer.Close()
	}
	if err := syncer.Load(ctx); err != nil && !errors.Is(err, profilesync.ErrSuperseded) {
		teardown()
		return nil, nil, err
	}
	if err := settle(ctx, syncer); err != nil {
		teardown()
		return nil, nil, err
	}
	return syncer, teardown, nil
}

// settle waits until no sequence is in flight. A superseded Load hands over to a newer
// sequence that is still fetching when Load returns.
func settle(ctx context.Context, syncer *profilesync.Synchronizer) error {
	if !syncer.Snapshot().Loading {
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for st := range syncer.Watch(watchCtx) {
		if !st.Loading {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return profilesync.ErrClosed
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
