package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/vat"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Pack and inspect vat bundles",
	}
	cmd.AddCommand(newBundlePackCmd())
	cmd.AddCommand(newBundleInspectCmd())
	return cmd
}

func newBundlePackCmd() *cobra.Command {
	var (
		out    string
		format string
	)
	cmd := &cobra.Command{
		Use:   "pack <source.js>",
		Short: "Pack JavaScript source into a bundle archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := bundle.Validate(bundle.Structured{ModuleFormat: format, Source: string(src)})
			if err != nil {
				return err
			}
			data, err := bundle.Encode(s)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".bundle"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d bytes\n", out, s.ID(), len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output archive path (default <source>.bundle)")
	cmd.Flags().StringVar(&format, "format", bundle.FormatGetExport, "module format: getExport or commonjs")
	return cmd
}

func newBundleInspectCmd() *cobra.Command {
	var (
		load   bool
		budget uint64
	)
	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Describe a bundle archive and optionally load it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			b, err := bundle.Decode(data)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "kind: %s\n", b.Kind())
			s, err := bundle.Validate(b)
			if err != nil {
				fmt.Fprintf(w, "invalid: %v\n", err)
				return nil
			}
			fmt.Fprintf(w, "id: %s\nformat: %s\nsource: %d bytes\n", s.ID(), s.ModuleFormat, len(s.Source))
			if !load {
				return nil
			}
			loader, err := vat.NewLoader(vat.LoaderConfig{CacheSize: 1})
			if err != nil {
				return err
			}
			m := meter.New(budget, meter.FailStop)
			if _, err := loader.Load(s, m); err != nil {
				if vat.IsBuildFailure(err) {
					fmt.Fprintf(w, "load: bundle code failed: %v\n", err)
				} else {
					fmt.Fprintf(w, "load: %v\n", err)
				}
				return nil
			}
			fmt.Fprintf(w, "load: ok (%d of %d meter units used)\n", budget-m.Remaining(), budget)
			return nil
		},
	}
	cmd.Flags().BoolVar(&load, "load", false, "evaluate the bundle and check its entry point")
	cmd.Flags().Uint64Var(&budget, "budget", 1_000_000, "meter budget for --load")
	return cmd
}
