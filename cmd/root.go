package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dMap/cmd/lock"
	"github.com/ValentinKolb/dMap/cmd/maps"
	"github.com/ValentinKolb/dMap/cmd/serve"
	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmap",
		Short: "distributed partitioned map",
		Long: fmt.Sprintf(`dMap (v%s)

A distributed, partitioned and replicated in-memory map written in Go.
Keys are hashed onto a fixed number of partitions, every partition has
a primary and synchronous backups on other members.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMap",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMap v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(maps.MapCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
