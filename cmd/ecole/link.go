package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schoolab/ecole/internal/credentials"
	"github.com/schoolab/ecole/internal/ui"
)

var linkCmd = &cobra.Command{
	Use:     "link",
	GroupID: "sync",
	Short:   "Link this device to a school's cloud account",
	Long: `Store the school id and license token used to authenticate sync requests.

The credentials can come from flags, from a TOML file, or, when run in a
terminal without either, from an interactive form.

  ecole link --school-id S-001 --token XXXX --name "Institut Maendeleo"
  ecole link --from school.toml
  ecole link --unlink`,
	Run: func(cmd *cobra.Command, args []string) {
		from, _ := cmd.Flags().GetString("from")
		unlink, _ := cmd.Flags().GetBool("unlink")
		ctx := cmd.Context()

		store := openStore(ctx)
		defer store.Close()
		creds := credentials.New(store, cfg.Device.ID)

		if unlink {
			if err := creds.Unlink(ctx); err != nil {
				fatal("unlinking: %v", err)
			}
			fmt.Printf("%s Device unlinked\n", ui.RenderPass("✓"))
			return
		}

		var link credentials.Link
		switch {
		case from != "":
			l, err := credentials.LoadFile(from)
			if err != nil {
				fatal("%v", err)
			}
			link = *l
		case cmd.Flags().Changed("school-id") || cmd.Flags().Changed("token"):
			link.SchoolID, _ = cmd.Flags().GetString("school-id")
			link.LicenseToken, _ = cmd.Flags().GetString("token")
			link.School.Name, _ = cmd.Flags().GetString("name")
			link.School.City, _ = cmd.Flags().GetString("city")
			link.School.POBox, _ = cmd.Flags().GetString("pobox")
		case term.IsTerminal(int(os.Stdin.Fd())):
			if err := promptLink(&link); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fatal("%v", err)
			}
		default:
			fatal("no credentials given: use --school-id and --token, or --from")
		}

		if err := creds.Link(ctx, link); err != nil {
			fatal("linking: %v", err)
		}
		deviceID, _ := creds.DeviceID(ctx)

		fmt.Printf("%s Device linked to %s\n", ui.RenderPass("✓"), ui.RenderAccent(schoolLabel(link)))
		fmt.Printf("   Device ID: %s\n", deviceID)
		fmt.Printf("   Run 'ecole sync run' to download the school's data\n")
	},
}

func promptLink(l *credentials.Link) error {
	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("School ID").Value(&l.SchoolID).Validate(required),
			huh.NewInput().Title("License token").EchoMode(huh.EchoModePassword).Value(&l.LicenseToken).Validate(required),
		),
		huh.NewGroup(
			huh.NewInput().Title("School name").Value(&l.School.Name),
			huh.NewInput().Title("City").Value(&l.School.City),
			huh.NewInput().Title("P.O. Box").Value(&l.School.POBox),
		),
	)
	return form.Run()
}

func schoolLabel(l credentials.Link) string {
	if l.School.Name != "" {
		return l.School.Name
	}
	return l.SchoolID
}

func init() {
	linkCmd.Flags().String("school-id", "", "School id")
	linkCmd.Flags().String("token", "", "License token")
	linkCmd.Flags().String("name", "", "School name")
	linkCmd.Flags().String("city", "", "School city")
	linkCmd.Flags().String("pobox", "", "School P.O. box")
	linkCmd.Flags().String("from", "", "Read credentials from a TOML file")
	linkCmd.Flags().Bool("unlink", false, "Remove the stored credentials")

	rootCmd.AddCommand(linkCmd)
}
