package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gridguard/pkg/cli"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)

	cli.Version = version

	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		logger.WithField("args", os.Args[1:]).Fatalf("gridguard: %v", err)
	}
}
