package main

import (
    "log"

    "github.com/spf13/cobra"

    simcli "github.com/replicalab/replicasim/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "replicasimd",
        Short:         "replica set simulation daemon and CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    simcli.AddAll(root)
    return root
}
