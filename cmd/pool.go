package cmd

import (
	"context"
	"log"

	"github.com/metal-toolbox/bladedirector/internal/app"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/spf13/cobra"
)

var cmdPool = &cobra.Command{
	Use:   "pool",
	Short: "Manage the blade pool [init]",
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// command pool init
type poolInitFlags struct {
	inventory string
	reset     bool
}

var (
	poolInitFlagSet = &poolInitFlags{}
)

var cmdPoolInit = &cobra.Command{
	Use:   "init --inventory <file.yaml> [--reset]",
	Short: "Add the blades of a YAML inventory to the resource store",
	Run: func(cmd *cobra.Command, _ []string) {
		poolInit(cmd.Context())
	},
}

func poolInit(ctx context.Context) {
	director, _, err := app.New(model.AppKindClient, cfgFile, logLevel())
	if err != nil {
		log.Fatal(err)
	}

	if director.Config.StoreKind() == model.StoreKindMemory {
		director.Logger.Fatal("pool init requires a sqlite or bolt store")
	}

	inv, err := store.LoadInventory(poolInitFlagSet.inventory)
	if err != nil {
		director.Logger.Fatal(err)
	}

	repository, err := director.OpenStore()
	if err != nil {
		director.Logger.Fatal(err)
	}

	defer repository.Close()

	if err := store.InitPool(ctx, repository, inv, poolInitFlagSet.reset, director.Logger); err != nil {
		director.Logger.Fatal(err)
	}
}

func init() {
	rootCmd.AddCommand(cmdPool)

	cmdPoolInit.PersistentFlags().StringVar(&poolInitFlagSet.inventory, "inventory", "", "YAML inventory listing the blades of the pool")
	cmdPoolInit.PersistentFlags().BoolVarP(&poolInitFlagSet.reset, "reset", "", false, "drop every blade and VM record before adding the inventory")

	if err := cmdPoolInit.MarkPersistentFlagRequired("inventory"); err != nil {
		log.Fatal(err)
	}

	cmdPool.AddCommand(cmdPoolInit)
}
