package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	jsonOut    bool

	limit       ByteSize
	granularity ByteSize
	chunkSize   ByteSize
	initialSize ByteSize
	check       bool
	verbose     bool
}

func newRootCmd() *cobra.Command {
	options := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mdriver [flags] <trace>...",
		Short: "Replay allocation traces against the explicit free-list heap",
		Long: `mdriver replays malloc lab allocation traces against a fresh heap per trace,
checking every block the heap hands out, and reports the space utilization of each trace.

Example:
  mdriver traces/*.rep
  mdriver --check --limit 64MiB traces/realloc-bal.rep
  mdriver --config mdriver.yaml --json traces/binary-bal.rep`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := options.resolve(cmd)
			if err != nil {
				return err
			}

			return runTraces(cmd, config, args, options.jsonOut)
		},
	}

	cmd.Flags().StringVarP(&options.configPath, "config", "c", "", "Read settings from a yaml file")
	cmd.Flags().BoolVar(&options.jsonOut, "json", false, "Output in JSON format")
	cmd.Flags().Var(&options.limit, "limit", "Largest size the heap region may grow to")
	cmd.Flags().Var(&options.granularity, "granularity", "Unit every region growth is rounded up to")
	cmd.Flags().Var(&options.chunkSize, "chunk", "Minimum amount the heap grows by")
	cmd.Flags().Var(&options.initialSize, "initial", "Heap size right after initialization")
	cmd.Flags().BoolVar(&options.check, "check", false, "Validate the heap after every op")
	cmd.Flags().BoolVarP(&options.verbose, "verbose", "v", false, "Log heap growth and heap checks")

	return cmd
}

// resolve layers the set flags over the config file, or over the defaults if there is none
func (o *rootOptions) resolve(cmd *cobra.Command) (Config, error) {
	config := DefaultConfig()
	if o.configPath != "" {
		var err error
		config, err = LoadConfig(o.configPath)
		if err != nil {
			return config, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("limit") {
		config.Limit = o.limit
	}
	if flags.Changed("granularity") {
		config.Granularity = o.granularity
	}
	if flags.Changed("chunk") {
		config.ChunkSize = o.chunkSize
	}
	if flags.Changed("initial") {
		config.InitialSize = o.initialSize
	}
	if flags.Changed("check") {
		config.Check = o.check
	}
	if flags.Changed("verbose") {
		config.Verbose = o.verbose
	}

	return config, config.Validate()
}
