package cmd

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/iwismer/rusty-timer-sub001/config"
)

// bindConfigFlags derives one flag per TimerConfig field from its struct
// tags, so the flag surface and the config file stay in lockstep.
func bindConfigFlags(flags *pflag.FlagSet) {
	c := config.TimerConfig{}
	_type := reflect.TypeOf(c)
	for i := 0; i < _type.NumField(); i++ {
		field := _type.Field(i)
		yamlTag := field.Tag.Get("mapstructure")
		descriptionTag := field.Tag.Get("description")
		defaultTag := field.Tag.Get("default")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(yamlTag, defaultTag, descriptionTag)
		case reflect.Int:
			val, _ := strconv.Atoi(defaultTag)
			flags.Int(yamlTag, val, descriptionTag)
		case reflect.Bool:
			val, _ := strconv.ParseBool(defaultTag)
			flags.Bool(yamlTag, val, descriptionTag)
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				var defVal []string
				if defaultTag != "" {
					for _, seg := range strings.Split(defaultTag, ",") {
						trim := strings.TrimSpace(seg)
						if trim != "" {
							defVal = append(defVal, trim)
						}
					}
				}
				flags.StringSlice(yamlTag, defVal, descriptionTag)
			}
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "rtimer",
	Short: "rtimer - durable relay for race timing reads",
	Long: `rtimer relays chip reads from timing readers at remote points on a
race course to a central server and onward to timing software, surviving
network loss and process restarts without losing or duplicating a read.

Run one of the roles: server, forwarder, or receiver.`,
}

func init() {
	bindConfigFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(forwarderCmd)
	rootCmd.AddCommand(receiverCmd)
	rootCmd.AddCommand(seedTokenCmd)
	rootCmd.AddCommand(configInitCmd)
}

var configInitCmd = &cobra.Command{
	Use:   "config-init",
	Short: "Write the effective configuration as timer.yaml in the metadata directory",
	Run: func(cmd *cobra.Command, args []string) {
		config.WriteDefault(cmd.Flags())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
