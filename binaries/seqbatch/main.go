package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/seqbatch/seqbatch/cli"
	"github.com/seqbatch/seqbatch/common/log/hooks"
)

func main() {
	log.AddHook(hooks.NewContextHook())
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	os.Exit(cli.New().Exec())
}
