package main

import (
	"strings"

	"github.com/cqkv/cqstore"
	"github.com/cqkv/cqstore/codec"
	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Wrap is the number of characters to wrap the help text at
const Wrap = 50

// app holds what the commands share: config, logger and the opened store
type app struct {
	v        *viper.Viper
	logger   *log.Logger
	registry *codec.Registry
	store    *cqstore.Store
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), registry: codec.Default}

	root := &cobra.Command{
		Use:   "cqstore",
		Short: "inspect and edit a cqstore log",
		Long: `cqstore opens the log and index files of an embedded store,
runs one command against them and saves the index on exit.

Every flag can be set from the environment with the CQSTORE_ prefix,
e.g. CQSTORE_LOG_LEVEL=debug. .env and .env.local are read first.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.open,
	}

	flags := root.PersistentFlags()
	flags.String("dir", ".", wrapString("directory holding the store files"))
	flags.String("log-file", "", wrapString("record log path, defaults to <dir>/"+cqstore.DefaultLogFileName))
	flags.String("index-file", "", wrapString("index path, defaults to <dir>/"+cqstore.DefaultIndexFileName))
	flags.String("log-level", "info", wrapString("log level (trace, debug, info, warn, error)"))
	flags.Bool("sync-writes", false, wrapString("fsync the log and save the index on every write"))

	root.AddCommand(
		a.keysCmd(),
		a.getCmd(),
		a.putCmd(),
		a.deleteCmd(),
		a.compactCmd(),
		a.statsCmd(),
	)
	return root
}

// initConfig loads env files and maps CQSTORE_* variables onto the flags
func (a *app) initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("cqstore")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
}

func (a *app) open(cmd *cobra.Command, _ []string) error {
	a.initConfig()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	a.logger = &log.Logger{
		Level:  log.ParseLevel(a.v.GetString("log-level")),
		Writer: &log.ConsoleWriter{Writer: cmd.ErrOrStderr()},
	}

	opts := []cqstore.Option{
		cqstore.WithLogger(a.logger),
		cqstore.WithRegistry(a.registry),
		cqstore.WithSyncWrites(a.v.GetBool("sync-writes")),
	}
	if path := a.v.GetString("log-file"); path != "" {
		opts = append(opts, cqstore.WithLogPath(path))
	}
	if path := a.v.GetString("index-file"); path != "" {
		opts = append(opts, cqstore.WithIndexPath(path))
	}

	s, err := cqstore.Open(a.v.GetString("dir"), opts...)
	if err != nil {
		return err
	}
	a.store = s
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Stop()
	a.store = nil
	return err
}

// withStore stops the store after fn, also when fn fails
func (a *app) withStore(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if closeErr := a.close(); err == nil {
				err = closeErr
			}
		}()
		return fn(cmd, args)
	}
}

// wrapString wraps a string at Wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
