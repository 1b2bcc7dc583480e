package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/sidkik/sftpwatch/cmd/util"
	"github.com/sidkik/sftpwatch/pkg/config"
	"github.com/sidkik/sftpwatch/pkg/errors"
	"github.com/sidkik/sftpwatch/pkg/fswatch"
	"github.com/sidkik/sftpwatch/pkg/remote"
	"github.com/sidkik/sftpwatch/pkg/sync"
)

// PasswordEnvKey is the environment variable the SSH password is read from
// when it isn't passed as a flag.
const PasswordEnvKey = "SFTPWATCH_PASSWORD"

type eventSource interface {
	Events() <-chan sync.ChangeEvent
	Close() error
}

// Mocked out for unit testing.
var (
	dial         remote.DialFunc = remote.Dial
	startWatcher                 = func(root string, skip func(string) bool) (eventSource, error) {
		w, err := fswatch.Watch(root, skip)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	isTerminal   = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPassword = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }
)

// New creates a new `watch` command.
func New() *cobra.Command {
	var flags config.Watch
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "watch [root]",
		Short: "Mirror changes in a local directory to an SFTP server",
		Long: `Watch a directory for file changes and upload them to an SFTP server.

Each changed file is mapped to a remote path with the --map rules. For
example, "--map server/cms:/var/www/drupal" uploads server/cms/index.php
to /var/www/drupal/index.php. The first matching rule is used.

If no root is given, the current directory is watched.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

			if len(args) == 1 {
				flags.Root = args[0]
			}

			watchConfig, err := loadConfig(configPath, flags)
			if err != nil {
				util.HandleFatalError(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)
			go func() {
				select {
				case sig := <-signals:
					log.Infof("Received %s, shutting down.", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := run(ctx, watchConfig); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.Flags().StringArrayVarP(&flags.Mappings, "map", "m", nil,
		`Directory mapping such as "server/cms:/var/www/drupal". May be repeated.`)
	cmd.Flags().StringVarP(&flags.Host, "host", "s", "", "SSH server")
	cmd.Flags().IntVarP(&flags.Port, "port", "P", 0,
		fmt.Sprintf("SSH port (default %d)", remote.DefaultPort))
	cmd.Flags().StringVarP(&flags.User, "user", "u", "", "SSH username")
	cmd.Flags().StringVarP(&flags.Password, "password", "p", "",
		fmt.Sprintf("SSH password. Can also be set with %s.", PasswordEnvKey))
	cmd.Flags().StringVarP(&flags.IdentityFile, "identity", "i", "",
		"Private key to authenticate with")
	cmd.Flags().StringVar(&flags.KnownHosts, "known-hosts", "",
		fmt.Sprintf("File to verify the host key against (default %s)",
			config.DefaultKnownHostsPath))
	cmd.Flags().StringArrayVar(&flags.Ignore, "ignore", nil,
		"Regular expression for local paths to ignore. May be repeated.")
	cmd.Flags().StringArrayVar(&flags.IgnoreGlobs, "ignore-glob", nil,
		`Glob for local paths to ignore, such as "**/node_modules/**". May be repeated.`)
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("Config file (default %s)", config.DefaultConfigPath))
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages")
	return cmd
}

// loadConfig merges the config file with the flags, which take precedence.
// The default config file is optional, but one passed explicitly must exist.
func loadConfig(configPath string, flags config.Watch) (config.Watch, error) {
	explicit := configPath != ""
	if !explicit {
		configPath = config.DefaultConfigPath
	}

	fileConfig, err := config.ParseWatch(configPath)
	if err != nil {
		_, notFound := errors.RootCause(err).(errors.FileNotFound)
		if explicit || !notFound {
			return config.Watch{}, errors.WithContext(err, "load config file")
		}
		log.WithField("path", configPath).Debug("No config file found")
	}

	watchConfig := fileConfig.Merge(flags)
	if watchConfig.Root == "" {
		watchConfig.Root, err = os.Getwd()
		if err != nil {
			return config.Watch{}, errors.WithContext(err, "get working directory")
		}
	}

	if err := watchConfig.Validate(); err != nil {
		return config.Watch{}, err
	}

	watchConfig.Password, err = resolvePassword(watchConfig)
	if err != nil {
		return config.Watch{}, errors.WithContext(err, "read password")
	}
	return watchConfig, nil
}

// resolvePassword returns the password from the flags, then the environment.
// If neither is set and there's no other way to authenticate, the user is
// prompted.
func resolvePassword(watchConfig config.Watch) (string, error) {
	if watchConfig.Password != "" {
		return watchConfig.Password, nil
	}

	if password := os.Getenv(PasswordEnvKey); password != "" {
		return password, nil
	}

	if watchConfig.IdentityFile != "" || os.Getenv("SSH_AUTH_SOCK") != "" || !isTerminal() {
		return "", nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", watchConfig.User, watchConfig.Host)
	password, err := readPassword()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// run connects to the remote host and mirrors changes until `ctx` is
// cancelled. Failing to connect the first time is fatal, but later
// disconnections are retried.
func run(ctx context.Context, watchConfig config.Watch) error {
	translator, err := watchConfig.GetTranslator()
	if err != nil {
		return errors.WithContext(err, "parse rules")
	}

	remoteConfig, err := watchConfig.GetRemoteConfig()
	if err != nil {
		return err
	}

	logger := log.StandardLogger()
	session := remote.NewSession(logger, remoteConfig, dial)
	if err := session.Connect(); err != nil {
		return errors.WithContext(err, "connect")
	}
	defer session.Close()
	log.Infof("Connected to %s as %s.", remoteConfig.Address(), remoteConfig.User)

	watcher, err := startWatcher(translator.Root, translator.Ignored)
	if err != nil {
		return errors.WithContext(err, "watch")
	}
	log.Infof("Watching %s for changes.", translator.Root)

	engine := sync.NewEngine(logger, clockwork.NewRealClock(), translator, session)
	engine.MarkConnected()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The engine only stops early if the watcher does.
		defer cancel()
		return engine.Run(ctx, watcher.Events())
	})
	g.Go(func() error {
		<-ctx.Done()
		engine.Shutdown()
		if err := watcher.Close(); err != nil {
			return errors.WithContext(err, "close watcher")
		}
		return nil
	})
	return g.Wait()
}
