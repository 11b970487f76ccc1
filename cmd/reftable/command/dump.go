// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"fmt"

	"github.com/mgutz/ansi"
	"github.com/spf13/cobra"

	"github.com/antgroup/reftable/modules/reftable"
)

func newDumpCommand() *cobra.Command {
	var showLogs bool
	cmd := &cobra.Command{
		Use:   "dump <table.ref>",
		Short: "Print every ref and reflog entry in one reftable file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args[0], showLogs)
		},
	}
	cmd.Flags().BoolVar(&showLogs, "logs", false, "dump reflog entries instead of refs")
	return cmd
}

func runDump(path string, showLogs bool) error {
	src, err := reftable.OpenFileBlockSource(path)
	if err != nil {
		return err
	}
	defer src.Close()

	r, err := reftable.NewReader(src)
	if err != nil {
		return err
	}
	dbg("table %s: minUpdateIndex=%d maxUpdateIndex=%d", path, r.MinUpdateIndex(), r.MaxUpdateIndex())

	if showLogs {
		return dumpLogs(r)
	}
	return dumpRefs(r)
}

func dumpRefs(r *reftable.Reader) error {
	c, err := r.AllRefs()
	if err != nil {
		return err
	}
	for {
		ref, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Println(formatRef(ref))
	}
}

func formatRef(ref reftable.Ref) string {
	name := ansi.Color(ref.Name, "cyan+b")
	switch ref.Kind {
	case reftable.RefDeleted:
		return fmt.Sprintf("%s %s", name, ansi.Color("(deleted)", "red"))
	case reftable.RefUnpeeled:
		return fmt.Sprintf("%s %s", name, ref.Value)
	case reftable.RefPeeled:
		return fmt.Sprintf("%s %s peeled %s", name, ref.Value, ref.PeeledValue)
	case reftable.RefSymbolic:
		return fmt.Sprintf("%s -> %s", name, ansi.Color(ref.SymTarget, "yellow"))
	default:
		return name
	}
}

func dumpLogs(r *reftable.Reader) error {
	c, err := r.AllLogs()
	if err != nil {
		return err
	}
	for {
		e, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Println(formatLog(e))
	}
}

func formatLog(e reftable.LogEntry) string {
	name := ansi.Color(e.RefName, "cyan+b")
	if e.Deletion {
		return fmt.Sprintf("%s@%d %s", name, e.UpdateIndex, ansi.Color("(deleted)", "red"))
	}
	return fmt.Sprintf("%s@%d %s..%s %s <%s> %s", name, e.UpdateIndex, e.Old, e.New, e.Name, e.Email, e.Message)
}
