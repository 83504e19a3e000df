// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// etcd-core drives an embedded multiversion key-value core from the
// command line: an interactive shell for poking at the store and a
// load generator for measuring it. Everything runs in-process; there
// is no network surface.
package main

import (
	stdlog "log"
	"os"

	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/spf13/cobra"
)

func makeEtcdCoreCommand() *cobra.Command {
	var verbosity int32
	command := &cobra.Command{
		Use:   "etcd-core [command] (flags)",
		Short: "etcd-core runs an embedded multiversion key-value core",
		Long: `etcd-core runs an embedded multiversion key-value core. Use it to:

- explore the store interactively: reads at historical indexes, guarded
  transactions, watches, leases, and compaction, with the shell subcommand.
- measure the core under concurrent read/write load with the bench subcommand.

Typical usage:
    etcd-core shell
        Start an interactive session against a fresh in-process core.

    etcd-core bench --workers=64 --ops=1000000 --value-size=1KiB
        Drive one million mixed operations through a 64-worker pool and
        report throughput and latencies.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetVerbosity(verbosity)
		},
	}
	command.PersistentFlags().Int32Var(&verbosity, "verbosity", 0,
		"verbosity level for internal logging to stderr")

	command.AddCommand(makeShellCommand())
	command.AddCommand(makeBenchCommand())

	return command
}

func main() {
	cmd := makeEtcdCoreCommand()
	if err := cmd.Execute(); err != nil {
		stdlog.Printf("ERROR: %+v", err)
		os.Exit(1)
	}
}
