package cli

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/seqbatch/seqbatch/resource"
)

// Tuning knobs and tool paths load from an optional config file; every key
// has a working default so the file is never required.
func loadConfig(path string) error {
	viper.SetDefault("cost.perThreadMiB", 350)
	viper.SetDefault("cost.indexExpansionFactor", 1.6)
	viper.SetDefault("cost.indexMinMiB", 2048)
	viper.SetDefault("cost.indexMaxMiB", 49152)

	viper.SetDefault("tools.fasterqDump", "")
	viper.SetDefault("tools.fastp", "")
	viper.SetDefault("tools.salmon", "")

	viper.SetDefault("lister.argv", []string{})
	viper.SetDefault("lister.tokenFlag", "--ngc")

	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	log.WithFields(log.Fields{"config": path}).Info("Loaded tuning config")
	return nil
}

func costConfig() resource.CostModel {
	cost := resource.DefaultCostModel()
	cost.PerThreadMiB = viper.GetInt("cost.perThreadMiB")
	cost.IndexExpansionFactor = viper.GetFloat64("cost.indexExpansionFactor")
	cost.IndexMinMiB = viper.GetInt("cost.indexMinMiB")
	cost.IndexMaxMiB = viper.GetInt("cost.indexMaxMiB")
	return cost
}

type tools struct {
	fasterqDump string
	fastp       string
	salmon      string
}

func toolConfig() tools {
	return tools{
		fasterqDump: viper.GetString("tools.fasterqDump"),
		fastp:       viper.GetString("tools.fastp"),
		salmon:      viper.GetString("tools.salmon"),
	}
}

func listerConfig() []string { return viper.GetStringSlice("lister.argv") }

func listerTokenFlag() string { return viper.GetString("lister.tokenFlag") }
