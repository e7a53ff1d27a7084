package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/transcodarr/internal/config"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting transcodarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  transcodarr config dump > config.yaml

Environment variables use the TRANSCODARR_ prefix and underscores for nesting.
Example: jobs.max_concurrent -> TRANSCODARR_JOBS_MAX_CONCURRENT`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		config.SetDefaults(v)
		cfg, err := config.FromViper(v)
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg, "All values shown below are defaults.")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Show the configuration after applying the config file and environment. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg, "Effective configuration. Secrets are masked.")
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configShowCmd)
}

func writeConfig(w io.Writer, cfg *config.Config, note string) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprintln(w, "# transcodarr configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# "+note)
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(w, "# Size format: 64KiB, 4GiB")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and sizes in their human form and secrets masked.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		if fieldType.Tag.Get("masq") == "secret" {
			if field.String() != "" {
				result[key] = redacted
			} else {
				result[key] = ""
			}
			continue
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = fv
			}
		}
	}
	return result
}
