// Copyright © 2018 One Concern

package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/oneconcern/buildfarm/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buildfarm",
	Short: "Buildfarm runs build actions remotely and caches their results",
	Long: `Buildfarm is a remote build acceleration service.

It stores blobs in a content addressable store, remembers the results of actions it ran
and schedules new actions on workers. Identical actions submitted concurrently run once.

The configuration is read from the file named by $BUILDFARM_CONFIG, or from buildfarm.yaml
in the current directory, $HOME/.buildfarm or /etc/buildfarm.
`,
	SilenceUsage: true,
}

var cfg *config.Config

// used to patch over calls to os.Exit() during test
var logFatalln = log.Fatalln

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	addLogLevelFlag(rootCmd.PersistentFlags())
}

const logLevelFlag = "log-level"

func addLogLevelFlag(fs *pflag.FlagSet) {
	fs.String(logLevelFlag, "", `Log level: "debug", "info", "warn", "error" or "none"`)
	_ = viper.BindPFlag("logLevel", fs.Lookup(logLevelFlag))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if os.Getenv("BUILDFARM_CONFIG") != "" {
		viper.SetConfigFile(os.Getenv("BUILDFARM_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.buildfarm")
		viper.AddConfigPath("/etc/buildfarm")
		viper.SetConfigName("buildfarm")
	}

	if err := config.RegisterDefaults(viper.GetViper()); err != nil {
		logFatalln(err)
	}
	viper.SetEnvPrefix("buildfarm")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	} else if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
		logFatalln(err)
	}

	var err error
	cfg, err = config.Load(viper.GetViper())
	if err != nil {
		logFatalln(err)
	}
}
