// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package process sets up process wide concerns for the command line
// tools: flag and environment binding, an optional config file and the
// logger.
package process

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the process error class.
var Error = errs.Class("process error")

func defaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	path := filepath.Join(".data-harvester", fmt.Sprintf("%s.json", name))
	home, err := homedir.Dir()
	if err != nil {
		log.Println(err)
		return path
	}
	return filepath.Join(home, path)
}

// Execute runs a *cobra.Command with flags bound into viper and the
// environment loaded. Environment variable names are used verbatim, so
// configuration like TIME_ZONE or NESSUS_BASE is picked up as is.
func Execute(cmd *cobra.Command) {
	cfgFile := flag.String("config", defaultConfigPath(cmd.Name()),
		"config file")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		_ = viper.BindPFlags(cmd.Flags())
		viper.AutomaticEnv()
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			_ = viper.ReadInConfig()
		}
	})

	Must(cmd.Execute())
}

// Must exits the process on error.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
