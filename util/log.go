// Package util holds process setup shared by the binaries.
package util

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

var S *zap.SugaredLogger

// SetupLog installs the global zap logger. WGEFFECT_DEBUG=1 selects the development config.
func SetupLog() {
	var logger *zap.Logger
	var err error
	if os.Getenv("WGEFFECT_DEBUG") == "1" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("setting up logger: %s", err))
	}
	zap.ReplaceGlobals(logger)
	S = logger.Sugar()
}
