// ============================================================================
// era5grib - Main Entry Point
// ============================================================================
//
// Usage:
//   era5grib --output /scratch/grib --start 2020-01-01T00:00:00 --count 8 --freq 3600
//   era5grib fields
//   era5grib check -c configs/default.yaml
//
// Exit status: 0 on success, 2 on a task timeout, 1 on any other error.
// All logic lives in internal/cli.
// ============================================================================

package main

import (
	"os"

	"github.com/ChuLiYu/era5grib/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
