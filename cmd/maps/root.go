package maps

import (
	"context"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.Client
	rpcMap    *client.MapProxy

	// MapCommands represents the map command group
	MapCommands = &cobra.Command{
		Use:                "map",
		Short:              "Perform distributed map operations",
		PersistentPreRunE:  setupMapClient,
		PersistentPostRunE: closeMapClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnv)

	// Add common RPC flags to the map command
	util.SetupRPCClientFlags(MapCommands)

	MapCommands.PersistentFlags().String("map", "default", util.WrapString("Name of the map to operate on. Unknown maps are created with the default configuration"))

	// Add subcommands
	MapCommands.AddCommand(getCmd)
	MapCommands.AddCommand(putCmd)
	MapCommands.AddCommand(putIfAbsentCmd)
	MapCommands.AddCommand(removeCmd)
	MapCommands.AddCommand(containsCmd)
	MapCommands.AddCommand(evictCmd)
	MapCommands.AddCommand(sizeCmd)
	MapCommands.AddCommand(clearCmd)
	MapCommands.AddCommand(keysCmd)
	MapCommands.AddCommand(queryCmd)
	MapCommands.AddCommand(indexCmd)
	MapCommands.AddCommand(statsCmd)
	MapCommands.AddCommand(destroyCmd)
	MapCommands.AddCommand(perfTestCmd)
}

// setupMapClient connects the client and opens the map
func setupMapClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	if rpcClient, err = util.NewClient(); err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()
	rpcMap, err = rpcClient.Map(ctx, viper.GetString("map"), nil)
	return err
}

func closeMapClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Shutdown(context.Background())
}
