package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srand/grid/pkg/comm"
	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/store"
	"github.com/srand/grid/pkg/utils"
	"github.com/srand/grid/pkg/worker"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Grid remote task execution worker service",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		// Load worker configuration from file or environment.
		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		if err := config.Validate(); err != nil {
			log.Fatal(err)
		}

		config.Log()

		var data store.Store
		if config.StoreDir != "" {
			fs := afero.NewBasePathFs(afero.NewOsFs(), config.StoreDir)
			data = store.NewTieredStore(fs, config.StoreFileThreshold)
		} else {
			data = store.NewMemoryStore()
		}

		conn := comm.NewHttpCoordinatorConn(config.CoordinatorUri, 10*time.Second)
		peers := comm.NewHttpPeerClient(config.GatherTimeout)

		runner := worker.NewOpRunner()
		executors := worker.NewExecutorRegistry()
		executors.Register(protocol.ExecutorDefault, runner, config.ThreadCount)
		executors.Register(protocol.ExecutorOffload, runner, config.OffloadThreadCount)
		executors.Register(protocol.ExecutorIsolated, runner, config.IsolatedThreadCount)

		w := worker.NewWorker(config, data, conn, peers, executors)
		server := worker.NewHttpServer(w, conn.Deliver)

		eg, ctx := errgroup.WithContext(context.Background())
		eg.Go(func() error {
			return w.Run(ctx)
		})
		eg.Go(func() error {
			return server.Start(config.ListenHttp)
		})
		eg.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})

		if err := eg.Wait(); err != nil {
			log.Fatal(err)
		}
	},
}

func main() {
	rootCmd.Flags().StringP("address", "a", "", "Address peers use to reach this worker, host:port")
	rootCmd.Flags().StringP("listen-http", "l", ":8080", "HTTP listen address")
	rootCmd.Flags().StringP("coordinator-uri", "s", "http://coordinator", "Coordinator service URI")
	rootCmd.Flags().StringP("threads", "j", fmt.Sprint(runtime.NumCPU()), "Default executor thread count")
	rootCmd.Flags().String("store-dir", "", "Directory of the on-disk value tier")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("address", rootCmd.Flags().Lookup("address"))
	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
	viper.BindPFlag("coordinator_uri", rootCmd.Flags().Lookup("coordinator-uri"))
	viper.BindPFlag("threads", rootCmd.Flags().Lookup("threads"))
	viper.BindPFlag("store_dir", rootCmd.Flags().Lookup("store-dir"))
	viper.SetEnvPrefix("grid")
	viper.AutomaticEnv()

	viper.SetConfigName("worker.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/grid/")
	viper.AddConfigPath("$HOME/.config/grid")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	utils.TerminateOnSignal()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
