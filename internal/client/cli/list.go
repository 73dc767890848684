package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
)

func (a *App) newListCmd() *cobra.Command {
	var (
		cname      string
		projectOID string
		creatorID  string
		frozen     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			svc := a.dataService(store, "")

			var objs []*models.ManagedObject
			if projectOID != "" || creatorID != "" || cmd.Flags().Changed("frozen") {
				filter := storage.Filter{
					CName:      cname,
					ProjectOID: projectOID,
					CreatorID:  creatorID,
				}
				if cmd.Flags().Changed("frozen") {
					filter.Frozen = &frozen
				}
				objs, err = svc.Search(ctx, filter)
			} else {
				objs, err = svc.List(ctx, cname)
			}
			if err != nil {
				return err
			}

			if len(objs) == 0 {
				a.io.Println("No objects.")
				return nil
			}
			return a.printObjects(objs)
		},
	}
	cmd.Flags().StringVar(&cname, "class", "", "only objects of this class")
	cmd.Flags().StringVar(&projectOID, "project-oid", "", "only objects of this project")
	cmd.Flags().StringVar(&creatorID, "creator", "", "only objects created by this user")
	cmd.Flags().BoolVar(&frozen, "frozen", false, "only frozen (or with =false, only thawed) objects")
	return cmd
}

func (a *App) printObjects(objs []*models.ManagedObject) error {
	w := tabwriter.NewWriter(a.io, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tID\tOID\tPROJECT\tMODIFIED\tFROZEN")
	for _, obj := range objs {
		frozen := ""
		if obj.Frozen {
			frozen = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			obj.CName, obj.ID, obj.OID, obj.ProjectOID,
			obj.ModTime.Local().Format(time.RFC3339), frozen)
	}
	return w.Flush()
}
