// Command fosterctl is a thin CLI exerciser for the engine: open a
// volume, run a handful of index operations, print the results. It is not
// the HTTP/JSON admin façade the spec explicitly excludes, nor the
// benchmark driver (spec's kits) — it exists so the engine can be poked at
// from a shell the way the teacher's own repo was poked at via its
// bltree_test_util.go helpers, just packaged as a cobra command instead of
// a test helper.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foster-engine/foster"
	"github.com/foster-engine/foster/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dir string

	root := &cobra.Command{
		Use:   "fosterctl",
		Short: "exercise a Foster B-tree storage engine volume",
	}
	root.PersistentFlags().StringVar(&dir, "dir", "./fosterdata", "engine data directory")

	root.AddCommand(putCmd(&dir), getCmd(&dir), delCmd(&dir))
	return root
}

func openEngine(dir string) (*foster.Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	zlog, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return foster.Open(dir, config.Default(), nil, zlog)
}

func putCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "insert a key/value pair into store 1",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*dir)
			if err != nil {
				return err
			}
			defer e.Close()

			idx, err := e.OpenOrCreateIndex(1)
			if err != nil {
				return err
			}
			x := e.BeginXct()
			if err := idx.Insert(x, []byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			return e.Commit(x)
		},
	}
}

func getCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "look up a key in store 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*dir)
			if err != nil {
				return err
			}
			defer e.Close()

			idx, err := e.OpenOrCreateIndex(1)
			if err != nil {
				return err
			}
			val, ok, err := idx.Find([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(val))
			return nil
		},
	}
}

func delCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "delete a key from store 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*dir)
			if err != nil {
				return err
			}
			defer e.Close()

			idx, err := e.OpenOrCreateIndex(1)
			if err != nil {
				return err
			}
			x := e.BeginXct()
			if err := idx.Delete(x, []byte(args[0])); err != nil {
				return err
			}
			return e.Commit(x)
		},
	}
}
