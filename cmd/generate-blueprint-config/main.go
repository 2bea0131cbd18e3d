package main

import (
	"flag"
	"fmt"
	"os"

	autocert "github.com/caasmo/aliyun-autocert"
)

func main() {
	logger := autocert.NewLogger(os.Stderr, "info", "text")

	outputFileFlag := flag.String("output", "autocert.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "autocert.blueprint.toml", "Output file path (shorthand)")
	force := flag.Bool("force", false, "Overwrite the output file if it exists")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint autocert TOML configuration file with example values.\n")
		fmt.Fprintf(os.Stderr, "Every key can be overridden by the environment variable named in its comment.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if _, err := os.Stat(*outputFileFlag); err == nil && !*force {
		logger.Error("Output file already exists, use -force to overwrite", "path", *outputFileFlag)
		os.Exit(1)
	}

	blueprintCfg := autocert.BlueprintConfig()
	if err := blueprintCfg.Validate(); err != nil {
		logger.Error("Blueprint configuration does not validate", "error", err)
		os.Exit(1)
	}

	tomlBytes, err := autocert.MarshalTOML(blueprintCfg)
	if err != nil {
		logger.Error("Failed to marshal blueprint config to TOML", "error", err)
		os.Exit(1)
	}

	logger.Info("Writing blueprint configuration", "path", *outputFileFlag)
	if err := os.WriteFile(*outputFileFlag, tomlBytes, 0o600); err != nil {
		logger.Error("Failed to write blueprint config file",
			"path", *outputFileFlag,
			"error", err)
		os.Exit(1)
	}

	logger.Info("Blueprint configuration generated", "path", *outputFileFlag)
	logger.Warn("Replace the placeholders and keep the access key pair out of the file: set ALIBABA_CLOUD_ACCESS_KEY_ID and ALIBABA_CLOUD_ACCESS_KEY_SECRET in the environment instead.")
}
