package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/markmysler/dvc-sub001/cmd"
	"github.com/markmysler/dvc-sub001/pkg/logger"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
