// Command msrc probes, enumerates, and records the machine's media
// sources. Video comes from a wlroots compositor or the desktop
// portal, audio from ALSA or the portal's PipeWire transport.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "msrc",
	Short: "Inspect and record local media sources",
	Long: `msrc works with the machine's capture backends directly.

'probe' reports which backends are usable on this system, 'sources'
lists what each one can capture, and 'record' writes a raw stream to a
file or stdout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("msrc v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default msrc.yaml in the user config dir)")
	rootCmd.PersistentFlags().String("kind", "video", "stream kind: video or audio")
	_ = viper.BindPFlag("kind", rootCmd.PersistentFlags().Lookup("kind"))

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig layers the optional config file under MSRC_* environment
// variables and the command-line flags.
func initConfig() error {
	viper.SetEnvPrefix("msrc")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		return viper.ReadInConfig()
	}

	viper.SetConfigName("msrc")
	viper.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		viper.AddConfigPath(filepath.Join(dir, "msrc"))
	}
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
