// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Command gen-schema writes the JSON Schema of module.yaml manifests.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/holoflow/internal/scan"
)

func main() {
	out := pflag.StringP("out", "o", filepath.Join("schemas", "module.schema.json"), "output file")
	pflag.Parse()

	if err := run(*out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *out)
}

func run(outPath string) error {
	errb := oops.In("gen-schema").With("path", outPath)

	schema, err := scan.GenerateSchema()
	if err != nil {
		return errb.Wrapf(err, "generate schema")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return errb.Wrapf(err, "create directory")
	}
	if err := os.WriteFile(outPath, schema, 0o600); err != nil {
		return errb.Wrapf(err, "write schema")
	}
	return nil
}
