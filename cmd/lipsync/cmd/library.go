package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/spf13/cobra"
)

var (
	libraryFormat string
	librarySelect bool
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Manage viseme libraries",
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered libraries",
	RunE:  runLibraryList,
}

var libraryExportCmd = &cobra.Command{
	Use:   "export <name> [file]",
	Short: "Export a library as JSON or YAML",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLibraryExport,
}

var libraryImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate a library document and add it to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryImport,
}

var libraryValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a library document without importing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryValidate,
}

func init() {
	libraryExportCmd.Flags().StringVar(&libraryFormat, "format", "", "json or yaml (default: from file extension)")
	libraryImportCmd.Flags().BoolVar(&librarySelect, "select", false, "make the imported library active")

	libraryCmd.AddCommand(libraryListCmd, libraryExportCmd, libraryImportCmd, libraryValidateCmd)
	rootCmd.AddCommand(libraryCmd)
}

func runLibraryList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	m := a.session.Library()
	active := m.Active().Name
	for _, name := range m.List() {
		lib, err := m.Get(name)
		if err != nil {
			return err
		}
		marker := " "
		if name == active {
			marker = "*"
		}
		fmt.Printf("%s %-16s v%-8s %3d visemes\n", marker, name, lib.Version, len(lib.Visemes))
	}
	return nil
}

func runLibraryExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	format := viseme.Format(libraryFormat)
	w := os.Stdout
	if len(args) == 2 {
		if format == "" {
			format = viseme.FormatFromPath(args[1])
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if format == "" {
		format = viseme.FormatJSON
	}
	return a.session.Library().Export(args[0], w, format)
}

func runLibraryImport(cmd *cobra.Command, args []string) error {
	lib, err := decodeLibrary(args[0])
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	store, err := config.Load(cfgFile, bootLogger())
	if err != nil {
		return err
	}
	err = store.Update(func(c *config.Config) {
		if !slices.Contains(c.Library.Paths, path) {
			c.Library.Paths = append(c.Library.Paths, path)
		}
		if librarySelect {
			c.Library.Name = lib.Name
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("Imported %s (%d visemes) into %s\n", lib.Name, len(lib.Visemes), store.Path())
	return nil
}

func runLibraryValidate(cmd *cobra.Command, args []string) error {
	lib, err := decodeLibrary(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid (%s v%s, %d visemes)\n", args[0], lib.Name, lib.Version, len(lib.Visemes))
	return nil
}

func decodeLibrary(path string) (*viseme.Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lib, err := viseme.Decode(f, viseme.FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	if err := lib.Validate(); err != nil {
		return nil, err
	}
	return lib, nil
}
