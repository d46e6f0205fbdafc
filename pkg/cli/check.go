package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/platinummonkey/gridguard/pkg/fixtures"
	"github.com/platinummonkey/gridguard/pkg/rbac"
)

func newCheckCommand() *Command {
	return &Command{
		Name:        "check",
		Description: "Evaluate a permission, or every check listed in a fixture",
		Flags:       flag.NewFlagSet("check", flag.ExitOnError),
		Run:         runCheck,
	}
}

func runCheck(args []string) error {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	var src sourceFlags
	src.register(flags)
	userID := flags.Int64("user", 0, "User id to check (omit with --fixture to run the fixture's checks)")
	scope := flags.String("scope", "table", "Resource scope: table, field, view or row")
	tableID := flags.Int64("table", 0, "Table id")
	resourceID := flags.Int64("resource", 0, "Field, view or row id")
	operation := flags.String("op", "read", "Operation: read, create, update or delete")
	asJSON := flags.Bool("json", false, "Print the decision as JSON")
	attrs := attributes{}
	flags.Var(attrs, "attr", "User attribute key=value (repeatable)")
	row := rowValues{}
	flags.Var(row, "row", "Row cell fieldID=value (repeatable)")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *userID == 0 && src.fixture == "" {
		return fmt.Errorf("--user is required without --fixture")
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	perms, err := src.open(e)
	if err != nil {
		return err
	}
	defer perms.Close()

	if *userID == 0 {
		return runFixtureChecks(e, perms)
	}

	if *tableID == 0 {
		return fmt.Errorf("--table is required")
	}
	op, err := rbac.ParseOperation(*operation)
	if err != nil {
		return err
	}
	check := fixtures.Check{
		Scope:      rbac.Scope(strings.ToLower(*scope)),
		Table:      *tableID,
		ResourceID: *resourceID,
		Operation:  op,
	}
	if !check.Scope.Valid() {
		return fmt.Errorf("%w: %q", rbac.ErrInvalidScope, *scope)
	}

	var rowData rbac.RowData
	if len(row) > 0 {
		rowData = rbac.RowData(row)
	}

	res := check.Resource(perms.workspace)
	d, err := perms.checker.Decide(e.ctx, perms.user(*userID, attrs), res, op, rowData)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	printDecision(res, op, d)
	return nil
}

func printDecision(res rbac.Resource, op rbac.Operation, d *rbac.Decision) {
	verdict := "DENY"
	if d.Allowed {
		verdict = "ALLOW"
	}
	fmt.Printf("%s %s %s\n", verdict, op, res)
	if d.Reason != "" {
		fmt.Printf("  reason: %s\n", d.Reason)
	}
	for _, g := range d.MatchedGrants {
		fmt.Printf("  grant:  %s\n", g)
	}
}

// runFixtureChecks evaluates every check in the fixture and fails when any
// decision differs from its expectation
func runFixtureChecks(e *env, perms *permissions) error {
	checks := perms.fixture.Checks
	if len(checks) == 0 {
		return fmt.Errorf("fixture has no checks")
	}

	failed := 0
	for i, c := range checks {
		res := c.Resource(perms.workspace)
		d, err := perms.checker.Decide(e.ctx, perms.fixture.User(c.User), res, c.Operation, c.Row)
		if err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}

		status := "PASS"
		if d.Allowed != c.Expect {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%s user %d %s %s: allowed=%t expected=%t\n", status, c.User, c.Operation, res, d.Allowed, c.Expect)
	}

	fmt.Printf("\n%d checks, %d failed\n", len(checks), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

func newFilterCommand() *Command {
	return &Command{
		Name:        "filter",
		Description: "Filter table, field or view ids down to those visible to a user",
		Flags:       flag.NewFlagSet("filter", flag.ExitOnError),
		Run:         runFilter,
	}
}

func runFilter(args []string) error {
	flags := flag.NewFlagSet("filter", flag.ContinueOnError)
	var src sourceFlags
	src.register(flags)
	userID := flags.Int64("user", 0, "User id")
	kind := flags.String("kind", "tables", "What the ids are: tables, fields or views")
	var ids int64List
	flags.Var(&ids, "ids", "Comma separated ids to filter")
	attrs := attributes{}
	flags.Var(attrs, "attr", "User attribute key=value (repeatable)")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *userID == 0 {
		return fmt.Errorf("--user is required")
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	perms, err := src.open(e)
	if err != nil {
		return err
	}
	defer perms.Close()

	user := perms.user(*userID, attrs)
	var visible []int64
	switch strings.ToLower(*kind) {
	case "tables":
		visible, err = perms.checker.FilterTables(e.ctx, perms.workspace, user, ids)
	case "fields":
		visible, err = perms.checker.FilterFields(e.ctx, perms.workspace, user, ids)
	case "views":
		visible, err = perms.checker.FilterViews(e.ctx, perms.workspace, user, ids)
	default:
		return fmt.Errorf("unknown kind %q: expected tables, fields or views", *kind)
	}
	if err != nil {
		return fmt.Errorf("failed to filter %s: %w", *kind, err)
	}

	out := int64List(visible)
	fmt.Println(out.String())
	return nil
}
