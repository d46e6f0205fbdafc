package cli

import (
	"flag"
	"fmt"

	"github.com/platinummonkey/gridguard/pkg/apikeys"
	"github.com/platinummonkey/gridguard/pkg/fixtures"
	"github.com/platinummonkey/gridguard/pkg/rbac"
)

func newMigrateCommand() *Command {
	return &Command{
		Name:        "migrate",
		Description: "Apply pending permission and API key schema migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ExitOnError),
		Run:         runMigrate,
	}
}

func runMigrate(args []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	db, err := e.openDB(*dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := rbac.RunMigrations(e.ctx, db, e.logger, rbac.GetMigrations(), apikeys.GetMigrations()); err != nil {
		return err
	}
	fmt.Println("Migrations are up to date")
	return nil
}

func newApplyCommand() *Command {
	return &Command{
		Name:        "apply",
		Description: "Write the roles, assignments and grants of a fixture to the database",
		Flags:       flag.NewFlagSet("apply", flag.ExitOnError),
		Run:         runApply,
	}
}

func runApply(args []string) error {
	flags := flag.NewFlagSet("apply", flag.ContinueOnError)
	path := flags.String("fixture", "", "YAML fixture to apply")
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--fixture is required")
	}

	f, err := fixtures.LoadFile(*path)
	if err != nil {
		return err
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	db, err := e.openDB(*dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	roleIDs, err := f.Apply(e.ctx, rbac.NewStore(db))
	if err != nil {
		return fmt.Errorf("failed to apply fixture: %w", err)
	}

	for _, r := range f.Roles {
		fmt.Printf("role %-20s id %d\n", r.Name, roleIDs[r.Name])
	}
	fmt.Printf("Applied %d assignments, %d grants and %d conditional grants to workspace %d\n",
		len(f.Assignments), len(f.Grants), len(f.ConditionalGrants), f.Workspace)
	return nil
}
