package main

import (
	"context"
	"fmt"
	"strings"

	"federate/pkg/snapshot"
	"federate/pkg/utils"

	"github.com/spf13/cobra"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the local snapshot archive",
	}

	cmd.AddCommand(snapshotListCmd(), snapshotInspectCmd(), snapshotDeleteCmd())
	return cmd
}

// openArchive opens the configured archive for a one-shot command.
func openArchive() (*snapshot.Archive, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(verbose)
	return snapshot.OpenArchive(cfg.ArchivePath, logger)
}

func snapshotListCmd() *cobra.Command {
	var federation string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive()
			if err != nil {
				return err
			}
			defer archive.Close()

			infos, err := archive.List(context.Background(), federation)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println(mutedStyle.Render("No snapshots saved"))
				return nil
			}

			var total int64
			t := newTable("LABEL", "FEDERATION", "FEDERATE", "SIZE", "CREATED", "ID")
			for _, info := range infos {
				total += info.Size
				t.Row(
					info.Label,
					info.Federation,
					info.Federate,
					utils.FormatDataSize(info.Size),
					info.CreatedAt.Format("2006-01-02 15:04:05"),
					info.ID,
				)
			}

			fmt.Println(titleStyle.Render("Snapshots"))
			fmt.Println(t.Render())
			fmt.Println(mutedStyle.Render(fmt.Sprintf("%d snapshots, %s", len(infos), utils.FormatDataSize(total))))
			return nil
		},
	}

	cmd.Flags().StringVar(&federation, "federation", "", "only list snapshots of this federation")
	return cmd
}

func snapshotInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <federation> <federate> <label>",
		Short: "Decode a saved snapshot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive()
			if err != nil {
				return err
			}
			defer archive.Close()

			entry, err := archive.Get(context.Background(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Snapshot " + entry.Label))
			fmt.Println(field("Federation", entry.Federation))
			fmt.Println(field("Federate", entry.Federate))
			fmt.Println(field("Created", entry.CreatedAt.Format("2006-01-02 15:04:05")))
			fmt.Println(field("Size", utils.FormatDataSize(entry.Size)))

			st, err := snapshot.Decode(entry.Data)
			if err != nil {
				fmt.Println(labelStyle.Render("Status") + dangerValueStyle.Render("CORRUPT: "+err.Error()))
				return err
			}
			fmt.Println(labelStyle.Render("Status") + accentValueStyle.Render("OK"))
			fmt.Println(field("Next object", fmt.Sprint(st.Registry.NextObject)))
			fmt.Println(field("Next region", fmt.Sprint(st.Registry.NextRegion)))
			fmt.Println()

			if len(st.Registry.Mappings) == 0 {
				fmt.Println(warningValueStyle.Render("No object mappings"))
			} else {
				t := newTable("FEDERATION ID", "FEDERATE", "SEQ", "LOCAL")
				for _, m := range st.Registry.Mappings {
					t.Row(
						fmt.Sprintf("%#x", uint64(m.Federation)),
						fmt.Sprint(uint64(m.Federation)>>32),
						fmt.Sprint(uint32(m.Federation)),
						fmt.Sprint(m.Local),
					)
				}
				fmt.Println(t.Render())
			}

			if len(st.Regions) == 0 {
				fmt.Println(warningValueStyle.Render("No regions"))
				return nil
			}
			t := newTable("REGION", "SPACE", "EXTENT", "BOUNDS")
			for _, r := range st.Regions {
				for i, e := range r.Extents {
					bounds := make([]string, len(e.Bounds))
					for j, b := range e.Bounds {
						bounds[j] = b.String()
					}
					t.Row(fmt.Sprint(r.Token), fmt.Sprint(r.RoutingSpace), fmt.Sprint(i), strings.Join(bounds, " "))
				}
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func snapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <federation> <federate> <label>",
		Short: "Delete a saved snapshot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive()
			if err != nil {
				return err
			}
			defer archive.Close()

			if err := archive.Delete(context.Background(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Println(accentValueStyle.Render("Deleted ") + valueStyle.Render(args[2]))
			return nil
		},
	}
}
