package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/hyperband/space"
)

// SpaceOptions are the options for inspecting a config-space declaration.
type SpaceOptions struct {
	Root *RootOptions

	Filename string
	Samples  int
	Seed     uint64
}

// NewSpaceCommand creates the command that validates and prints a config
// space.
func NewSpaceCommand(o *SpaceOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space",
		Short: "Check a config space",
		Long:  "Parse a config-space declaration, print its normalized form, its size and optional samples",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&o.Filename, "filename", "f", "", "`file` that contains the config space")
	cmd.Flags().IntVar(&o.Samples, "sample", 0, "number of random configurations to print")
	cmd.Flags().Uint64Var(&o.Seed, "seed", 1, "seed of the sampler")

	_ = cmd.MarkFlagFilename("filename", "yml", "yaml")
	_ = cmd.MarkFlagRequired("filename")

	return cmd
}

func (o *SpaceOptions) run(cmd *cobra.Command) error {
	cs, err := space.LoadFile(o.Filename)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cs)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()

	_, _ = fmt.Fprint(w, string(out))

	if size, finite := cs.Size(); finite {
		_, _ = fmt.Fprintf(w, "# size: %d\n", size)
	} else {
		_, _ = fmt.Fprintln(w, "# size: infinite")
	}

	r := newRand(o.Seed)

	for i := 0; i < o.Samples; i++ {
		_, _ = fmt.Fprintf(w, "# sample %d: %s\n", i, cs.Sample(r))
	}

	o.Root.Logger.V(1).Info("config space loaded", "file", o.Filename, "parameters", cs.Len())

	return nil
}
