// Command vaultfs mounts, initializes, and checks VaultFS filesystems: an
// encrypted, content-hiding view of a local directory or S3 bucket,
// analogous to the adapter's own CLI entrypoint but scoped to this
// filesystem's three external operations (§5, §6, §9).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vaultfs",
	Short: "Mount and manage encrypted, content-hiding VaultFS filesystems",
	Long: `vaultfs mounts an encrypted, content-hiding filesystem backed by a
local directory or an S3 bucket. Use "vaultfs init" to write a new
filesystem's config file, "vaultfs mount" to mount it (formatting the
storage on the first mount),
and "vaultfs fsck" to check a mounted or unmounted one for orphaned
blocks.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
