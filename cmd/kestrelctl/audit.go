package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kestrel/internal/object"
)

// newAuditCmd recovers the Rust original's security/mod.rs denied-operation
// log (SPEC_FULL.md's supplemented-features section) as a CLI subcommand:
// it runs a few handle operations guaranteed to be refused, then dumps the
// resulting audit trail.
func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Exercise a handle table's rights checks and dump the denied-operation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := object.NewTable(1)
			obj := object.New(object.KindVMO, "backing", nil)

			h, errc := tbl.Add(obj, object.Read|object.Write) // no DUPLICATE
			if errc != 0 {
				return fmt.Errorf("add: %v", errc)
			}
			tbl.Duplicate(h, object.Read)          // denied: missing DUPLICATE
			tbl.CheckRights(h, object.Execute)     // denied: missing EXECUTE
			tbl.Get(9999)                          // denied: bad handle

			fmt.Println("denied operations:")
			for _, d := range tbl.DeniedOps() {
				fmt.Printf("  handle=%d reason=%v\n", d.Handle, d.Reason)
			}
			return nil
		},
	}
}
