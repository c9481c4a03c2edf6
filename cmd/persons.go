package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/spf13/cobra"
)

var personsCmd = &cobra.Command{
	Use:   "persons",
	Short: "Manage enrolled persons",
}

var personsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled persons",
	Long: `List enrolled persons ordered by id.

The --filter match ignores case and diacritics, so "jiri" finds "Jiří".`,
	Args: cobra.NoArgs,
	RunE: runPersonsList,
}

var personsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single person",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonsShow,
}

var personsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a person and its face vector",
	Long: `Delete a person. The face vector is removed first; if that fails the
person is kept so the deletion can be retried.`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonsDelete,
}

func init() {
	rootCmd.AddCommand(personsCmd)
	personsCmd.AddCommand(personsListCmd)
	personsCmd.AddCommand(personsShowCmd)
	personsCmd.AddCommand(personsDeleteCmd)

	personsListCmd.Flags().String("filter", "", "Only list persons whose name contains this text")
	personsListCmd.Flags().Bool("json", false, "Output as JSON")
	personsShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func parsePersonID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid person id %q", arg)
	}
	return id, nil
}

// filterPersons keeps persons whose normalized name contains the normalized filter.
func filterPersons(persons []database.Person, filter string) []database.Person {
	if filter == "" {
		return persons
	}
	needle := facematch.NormalizePersonName(filter)
	out := make([]database.Person, 0, len(persons))
	for _, p := range persons {
		if strings.Contains(facematch.NormalizePersonName(p.Name), needle) {
			out = append(out, p)
		}
	}
	return out
}

func runPersonsList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	filter := mustGetString(cmd, "filter")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	persons, err := a.service.Store().List(cmd.Context())
	if err != nil {
		return err
	}
	persons = filterPersons(persons, filter)

	if jsonOutput {
		return printJSON(persons)
	}
	if len(persons) == 0 {
		fmt.Println("No persons enrolled")
		return nil
	}

	fmt.Printf("%-6s  %-30s  %-36s  %s\n", "ID", "NAME", "VECTOR", "CREATED")
	for _, p := range persons {
		fmt.Printf("%-6d  %-30s  %-36s  %s\n", p.ID, p.Name, p.VectorID, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d\n", len(persons))
	return nil
}

func runPersonsShow(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	id, err := parsePersonID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.service.Store().Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(p)
	}
	fmt.Printf("ID:       %d\n", p.ID)
	fmt.Printf("Name:     %s\n", p.Name)
	fmt.Printf("Vector:   %s\n", p.VectorID)
	fmt.Printf("Created:  %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runPersonsDelete(cmd *cobra.Command, args []string) error {
	id, err := parsePersonID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.service.Store().Delete(cmd.Context(), id); err != nil {
		return fmt.Errorf("deleting person %d: %w", id, err)
	}
	fmt.Printf("Deleted person %d\n", id)
	return nil
}
