package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/waterbug/repsync/internal/models"
)

func (a *App) newGetCmd() *cobra.Command {
	var (
		cname string
		id    string
	)

	cmd := &cobra.Command{
		Use:   "get [oid]",
		Short: "Show one cached object",
		Long:  `Looks up by oid, or by class and identifier with --class and --id.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			byID := cname != "" && id != ""
			if len(args) == 0 && !byID {
				return fmt.Errorf("give an oid, or both --class and --id")
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			svc := a.dataService(store, "")

			var obj *models.ManagedObject
			if len(args) == 1 {
				obj, err = svc.Get(ctx, args[0])
			} else {
				obj, err = svc.GetByID(ctx, cname, id)
			}
			if err != nil {
				return err
			}
			return a.printObject(obj)
		},
	}
	cmd.Flags().StringVar(&cname, "class", "", "object class, paired with --id")
	cmd.Flags().StringVar(&id, "id", "", "object identifier, paired with --class")
	return cmd
}

func (a *App) printObject(obj *models.ManagedObject) error {
	a.io.Printf("OID:      %s\n", obj.OID)
	a.io.Printf("Class:    %s\n", obj.CName)
	a.io.Printf("ID:       %s\n", obj.ID)
	if obj.ProjectOID != "" {
		a.io.Printf("Project:  %s\n", obj.ProjectOID)
	}
	a.io.Printf("Creator:  %s\n", obj.CreatorID)
	a.io.Printf("Modified: %s by %s\n", obj.ModTime.Local().Format(time.RFC3339), obj.ModifierID)
	if obj.Frozen {
		a.io.Println("Frozen:   yes")
	}
	if len(obj.Attrs) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, obj.Attrs, "", "  "); err != nil {
			return fmt.Errorf("malformed attributes: %w", err)
		}
		a.io.Printf("Attributes:\n%s\n", buf.String())
	}
	return nil
}
