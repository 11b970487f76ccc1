// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/antgroup/reftable/modules/reftable"
	"github.com/antgroup/reftable/modules/reftable/stack"
)

func newCompactCommand() *cobra.Command {
	var budget int64
	cmd := &cobra.Command{
		Use:   "compact <stack-dir>",
		Short: "Compact the newest contiguous run of a stack's tables within a byte budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(context.Background(), args[0], budget)
		},
	}
	cmd.Flags().Int64Var(&budget, "budget", 0, "byte budget offered to the compactor (0 means unlimited)")
	return cmd
}

func runCompact(ctx context.Context, dir string, budget int64) error {
	s, err := stack.Open(dir, cfg, reftable.Dependencies{})
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.Names()
	dbg("stack %s: %d tables before compaction", dir, len(before))

	p := mpb.New(mpb.WithOutput(os.Stderr), mpb.WithAutoRefresh())
	bar := p.New(int64(len(before)),
		mpb.BarStyle().Filler("#").Padding(" "),
		mpb.PrependDecorators(decor.Name("compacting", decor.WC{W: len("compacting"), C: decor.DindentRight})),
		mpb.AppendDecorators(decor.Elapsed(decor.ET_STYLE_GO)),
	)
	bar.SetCurrent(0)

	if err := s.CompactRange(ctx, budget); err != nil {
		bar.Abort(true)
		p.Wait()
		return err
	}
	bar.SetCurrent(int64(len(before)))
	p.Wait()

	after := s.Names()
	fmt.Printf("%d tables -> %d tables\n", len(before), len(after))
	return nil
}
