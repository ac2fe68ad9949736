package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phobologic/protoscan/internal/config"
	"github.com/phobologic/protoscan/internal/store"
)

const (
	sentinelStart = "# protoscan:start"
	sentinelEnd   = "# protoscan:end"
)

const configHeader = `# protoscan configuration. Every key is optional; flags override these values.
#   cache_ttl      how long a search result is reused
#   cache_size     number of search results kept in memory
#   max_file_size  skip source files larger than this many bytes (0 = no limit)
#   exclude_tests  hide Test* classes, test_* functions and test files
#   exclude        doublestar globs of files whose declarations are ignored
#   parse_cache    keep parsed files in .protoscan/ between runs
#   workers        parser concurrency (0 = number of CPUs)
`

func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		dryRun bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default .protoscan.yaml and ignore the state directory",
		Long: `Write a default .protoscan.yaml to the repository root and add the
.protoscan/ state directory to .gitignore. The .gitignore entry is wrapped in
sentinel comments so it can be updated in place on subsequent runs without
touching surrounding content. An existing .protoscan.yaml is kept unless
--force is given.

path defaults to the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(pathArg(args, 0), dryRun, force, stdout, stderr)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying any file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing .protoscan.yaml")
	return cmd
}

func runInit(root string, dryRun, force bool, stdout, stderr io.Writer) error {
	cfgPath := filepath.Join(root, config.FileName)
	cfgBody, err := defaultConfigFile()
	if err != nil {
		return err
	}

	_, err = os.Stat(cfgPath)
	cfgExists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", cfgPath, err)
	}
	writeCfg := !cfgExists || force

	ignorePath := filepath.Join(root, ".gitignore")
	existing, _ := os.ReadFile(ignorePath)
	ignoreBody := applySection(string(existing), generateSection())

	if dryRun {
		if writeCfg {
			_, _ = fmt.Fprintf(stdout, "--- %s\n%s", cfgPath, cfgBody)
		}
		_, _ = fmt.Fprintf(stdout, "--- %s\n%s", ignorePath, ignoreBody)
		return nil
	}

	if writeCfg {
		if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", cfgPath, err)
		}
		_, _ = fmt.Fprintf(stderr, "wrote %s\n", cfgPath)
	} else {
		_, _ = fmt.Fprintf(stderr, "kept existing %s (use --force to overwrite)\n", cfgPath)
	}

	if err := os.WriteFile(ignorePath, []byte(ignoreBody), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", ignorePath, err)
	}
	_, _ = fmt.Fprintf(stderr, "wrote protoscan section to %s\n", ignorePath)
	return nil
}

func defaultConfigFile() (string, error) {
	data, err := config.Default().Marshal()
	if err != nil {
		return "", err
	}
	return configHeader + string(data), nil
}

// generateSection returns the sentinel-wrapped .gitignore block.
func generateSection() string {
	return sentinelStart + "\n" + store.Dir + "/\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not. It is a pure function for easy testing.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	// Append, ensuring a blank line separator.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if len(content) == 0 {
		return section + "\n"
	}
	return content + "\n" + section + "\n"
}
