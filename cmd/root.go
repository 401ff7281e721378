package cmd

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	cmdcore "github.com/projecteru2/cradle/cmd/core"
	cmdsandbox "github.com/projecteru2/cradle/cmd/sandbox"
	"github.com/projecteru2/cradle/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cradle",
		Short: "Cradle - Sandbox Hypervisor Control Plane",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory")
	cmd.PersistentFlags().String("log-dir", "", "log directory")
	cmd.PersistentFlags().String("vmm-binary", "", "hypervisor binary path")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("log_dir", cmd.PersistentFlags().Lookup("log-dir"))
	_ = viper.BindPFlag("vmm_binary", cmd.PersistentFlags().Lookup("vmm-binary"))

	viper.SetEnvPrefix("CRADLE")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }

	cmd.AddCommand(cmdsandbox.Command(cmdsandbox.Handler{
		BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider},
	}))

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()

	return log.SetupLog(ctx, &conf.Log, "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
