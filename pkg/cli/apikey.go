package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/gridguard/pkg/apikeys"
	"github.com/platinummonkey/gridguard/pkg/rbac"
)

func newAPIKeyCommand() *Command {
	cmd := &Command{
		Name:        "apikey",
		Description: "Create, validate, list and revoke API keys",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("apikey", flag.ExitOnError),
	}
	cmd.Subcommands["create"] = &Command{Name: "create", Description: "Issue a new API key", Run: runAPIKeyCreate}
	cmd.Subcommands["validate"] = &Command{Name: "validate", Description: "Validate an API key and report its permissions", Run: runAPIKeyValidate}
	cmd.Subcommands["list"] = &Command{Name: "list", Description: "List the API keys of a workspace", Run: runAPIKeyList}
	cmd.Subcommands["revoke"] = &Command{Name: "revoke", Description: "Deactivate an API key", Run: runAPIKeyRevoke}
	return cmd
}

func runAPIKeyCreate(args []string) error {
	flags := flag.NewFlagSet("apikey create", flag.ContinueOnError)
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	workspace := flags.Int64("workspace", 0, "Workspace id")
	name := flags.String("name", "", "Key name")
	canRead := flags.Bool("read", true, "Allow reads")
	canCreate := flags.Bool("create", false, "Allow creates")
	canUpdate := flags.Bool("update", false, "Allow updates")
	canDelete := flags.Bool("delete", false, "Allow deletes")
	rateLimit := flags.Int("rate-limit", 0, "Requests per minute (0 for unlimited)")
	expiresIn := flags.Duration("expires-in", 0, "Lifetime of the key (0 never expires)")
	createdBy := flags.Int64("created-by", 0, "Id of the user issuing the key")
	var tables, views int64List
	flags.Var(&tables, "tables", "Comma separated table ids the key is limited to")
	flags.Var(&views, "views", "Comma separated view ids the key is limited to")
	var ips stringList
	flags.Var(&ips, "ips", "Comma separated client IPs the key is limited to")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *workspace == 0 {
		return fmt.Errorf("--workspace is required")
	}

	k := &apikeys.APIKey{
		WorkspaceID:        *workspace,
		Name:               *name,
		CanRead:            *canRead,
		CanCreate:          *canCreate,
		CanUpdate:          *canUpdate,
		CanDelete:          *canDelete,
		ScopeTables:        tables,
		ScopeViews:         views,
		RateLimitPerMinute: *rateLimit,
		AllowedIPAddresses: ips,
	}
	if *expiresIn > 0 {
		expires := time.Now().Add(*expiresIn)
		k.ExpiresAt = &expires
	}
	if *createdBy != 0 {
		k.CreatedBy = createdBy
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

	plaintext, err := apikeys.NewManager(apikeys.NewStore(db)).CreateKey(e.ctx, k)
	if err != nil {
		return err
	}

	fmt.Printf("Created API key %s (%s)\n", k.ID, k.KeyPrefix)
	fmt.Printf("Key: %s\n", plaintext)
	fmt.Println("Store this key now; it cannot be shown again.")
	return nil
}

func runAPIKeyValidate(args []string) error {
	flags := flag.NewFlagSet("apikey validate", flag.ContinueOnError)
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	redisURL := flags.String("redis", "", "Redis URL for rate limiting (defaults to GRIDGUARD_REDIS_URL)")
	key := flags.String("key", "", "API key to validate")
	ip := flags.String("ip", "", "Client IP to check against the key's allow list")
	operation := flags.String("op", "", "Also check this operation against the key's scope")
	tableID := flags.Int64("table", 0, "Table id for --op")
	viewID := flags.Int64("view", 0, "View id for --op")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("--key is required")
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

	opts := []apikeys.ValidatorOption{apikeys.WithLogger(e.logger)}
	if *redisURL == "" {
		*redisURL = e.cfg.Redis.URL
	}
	client, err := e.openRedis(*redisURL)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		opts = append(opts, apikeys.WithRateLimiter(apikeys.NewRedisRateLimiter(client, e.cfg.Redis.KeyPrefix)))
	}

	k, err := apikeys.NewValidator(apikeys.NewStore(db), opts...).Validate(e.ctx, *key, *ip)
	if err != nil {
		return fmt.Errorf("api key rejected: %w", err)
	}
	fmt.Printf("Valid key %s (%s) for workspace %d\n", k.ID, k.Name, k.WorkspaceID)
	fmt.Printf("  operations: %s\n", keyOperations(k))

	if *operation != "" {
		op, err := rbac.ParseOperation(*operation)
		if err != nil {
			return err
		}
		var table, view *int64
		if *tableID != 0 {
			table = tableID
		}
		if *viewID != 0 {
			view = viewID
		}
		if !apikeys.Check(k, op, table, view) {
			return fmt.Errorf("api key %s may not %s here", k.KeyPrefix, op)
		}
		fmt.Printf("  %s: allowed\n", op)
	}
	return nil
}

func keyOperations(k *apikeys.APIKey) string {
	var ops []string
	if k.CanRead {
		ops = append(ops, string(rbac.OperationRead))
	}
	if k.CanCreate {
		ops = append(ops, string(rbac.OperationCreate))
	}
	if k.CanUpdate {
		ops = append(ops, string(rbac.OperationUpdate))
	}
	if k.CanDelete {
		ops = append(ops, string(rbac.OperationDelete))
	}
	if len(ops) == 0 {
		return "none"
	}
	return strings.Join(ops, ",")
}

func runAPIKeyList(args []string) error {
	flags := flag.NewFlagSet("apikey list", flag.ContinueOnError)
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	workspace := flags.Int64("workspace", 0, "Workspace id")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *workspace == 0 {
		return fmt.Errorf("--workspace is required")
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

	keys, err := apikeys.NewStore(db).List(e.ctx, *workspace)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tNAME\tOPERATIONS\tACTIVE\tEXPIRES")
	for i := range keys {
		k := &keys[i]
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", k.ID, k.KeyPrefix, k.Name, keyOperations(k), k.IsActive, expires)
	}
	return w.Flush()
}

func runAPIKeyRevoke(args []string) error {
	flags := flag.NewFlagSet("apikey revoke", flag.ContinueOnError)
	dbURL := flags.String("db", "", "Database URL (defaults to GRIDGUARD_DATABASE_URL)")
	rawID := flags.String("id", "", "Id of the key to revoke")
	if err := flags.Parse(args); err != nil {
		return err
	}
	id, err := uuid.Parse(*rawID)
	if err != nil {
		return fmt.Errorf("invalid --id %q: %w", *rawID, err)
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

	store := apikeys.NewStore(db)
	k, err := store.Get(e.ctx, id)
	if err != nil {
		return err
	}
	if err := apikeys.NewManager(store).RevokeKey(e.ctx, k); err != nil {
		return err
	}
	fmt.Printf("Revoked API key %s (%s)\n", k.ID, k.KeyPrefix)
	return nil
}
