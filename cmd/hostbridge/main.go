// Package main is the entrypoint for hostbridge.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/morezero/hostbridge/internal/config"
	"github.com/morezero/hostbridge/internal/server"
	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/db"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/identity"
	"github.com/morezero/hostbridge/pkg/permission"
)

const usage = `Usage: hostbridge [command]
       hostbridge serve                       Start the bridge (HTTP, WebSocket, COMMS, gateway pairing).
       hostbridge identity [--json]            Print (and create if missing) the device identity.
       hostbridge invoke <command> [-p JSON]   Send one invocation to a running bridge and print the response.
       hostbridge permissions [grant|revoke <capability>...]
                                              Show or change the permissions file.
       hostbridge audit [--limit N] [--namespace NS] [--failed] [--stats]
                                              List recorded invocations.
       hostbridge audit clear                 Truncate the audit table; schema is preserved.
       hostbridge audit prune [--older-than D] Delete audit records older than D (default BRIDGE_AUDIT_RETENTION).
       hostbridge migrate up|down|status      Manage the audit database schema.
       hostbridge ensure-db [name]            Create the audit database if missing (default name: hostbridge_test).

Commands:
  serve        (default) Start the bridge.
  identity     Device id and public key; --state-dir overrides BRIDGE_STATE_DIR.
  invoke       --url (default derived from BRIDGE_HTTP_ADDR), --token, --cbor, --timeout.
  permissions  --file overrides BRIDGE_PERMISSIONS_FILE. Changes apply to a running bridge on SIGHUP.
  audit        Requires DATABASE_URL.
  migrate      Requires DATABASE_URL. Migrations are forward-only; down only explains that.
  ensure-db    Uses DATABASE_URL host and user.

Environment: BRIDGE_HTTP_ADDR (default 127.0.0.1:18790), BRIDGE_HTTP_TOKEN, BRIDGE_STATE_DIR,
GATEWAY_URL, COMMS_URL, DATABASE_URL, MIGRATION_PATH, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	var err error
	switch cmd {
	case "identity":
		err = runIdentity(args[1:], os.Stdout)
	case "invoke":
		err = runInvoke(args[1:], os.Stdout)
	case "permissions":
		err = runPermissions(args[1:], os.Stdout)
	case "audit":
		err = runAudit(args[1:], os.Stdout)
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("hostbridge migrate: require subcommand (up, down, status)")
		}
		err = runMigrate(args[1], os.Stdout)
	case "ensure-db":
		dbName := "hostbridge_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		err = runEnsureDB(dbName, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		err = server.Run()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		if cmd == "" {
			cmd = "serve"
		}
		log.Fatalf("hostbridge %s: %v", cmd, err)
	}
}

func newFlagSet(name string, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runIdentity(args []string, out io.Writer) error {
	fs := newFlagSet("identity", out)
	stateDir := fs.String("state-dir", "", "state directory (default BRIDGE_STATE_DIR or ~/.hostbridge)")
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := *stateDir
	if dir == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dir = cfg.StateDir
	}

	id, created, err := identity.LoadOrCreate(dir)
	if err != nil {
		return err
	}
	token, err := identity.NewFileTokenStore(identity.DefaultTokenPath(dir)).Load()
	if err != nil {
		return err
	}

	info := struct {
		DeviceID  string `json:"deviceId"`
		PublicKey string `json:"publicKey"`
		StateDir  string `json:"stateDir"`
		Paired    bool   `json:"paired"`
		Created   bool   `json:"created"`
	}{id.ID(), id.PublicKey(), dir, token != "", created}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(out, "Device ID:  %s\n", info.DeviceID)
	fmt.Fprintf(out, "Public key: %s\n", info.PublicKey)
	fmt.Fprintf(out, "State dir:  %s\n", info.StateDir)
	fmt.Fprintf(out, "Paired:     %v\n", info.Paired)
	if created {
		fmt.Fprintln(out, "A new device identity was created.")
	}
	return nil
}

func runInvoke(args []string, out io.Writer) error {
	fs := newFlagSet("invoke", out)
	baseURL := fs.String("url", "", "bridge base URL (default derived from BRIDGE_HTTP_ADDR)")
	params := fs.StringP("params", "p", "", "params as a JSON object")
	token := fs.String("token", "", "bearer token (default BRIDGE_HTTP_TOKEN)")
	useCBOR := fs.Bool("cbor", false, "send and receive application/cbor")
	timeout := fs.Duration("timeout", 0, "request timeout (default BRIDGE_REQUEST_TIMEOUT plus 5s)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one command is required, e.g. hostbridge invoke file.exists -p '{\"path\":\"/\"}'")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	base := *baseURL
	if base == "" {
		base = cfg.ResolvedPublicURL()
	}
	bearer := *token
	if bearer == "" {
		bearer = cfg.HTTPToken
	}
	wait := *timeout
	if wait <= 0 {
		wait = cfg.RequestTimeout + 5*time.Second
	}

	var p map[string]interface{}
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &p); err != nil {
			return fmt.Errorf("params must be a JSON object: %w", err)
		}
	}

	codec := commsutil.JSON
	if *useCBOR {
		codec = commsutil.CBOR
	}
	body, err := codec.Encode(map[string]interface{}{
		"id":      uuid.NewString(),
		"command": fs.Arg(0),
		"params":  p,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/invoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", codec.ContentType)
	req.Header.Set("Accept", codec.ContentType)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	respCodec, err := commsutil.CodecFor(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("bridge returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var env dispatcher.InvokeResponse
	if err := respCodec.Decode(data, &env); err != nil {
		return fmt.Errorf("bridge returned %s with an undecodable body: %w", resp.Status, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&env); err != nil {
		return err
	}
	if !env.Ok && env.Error != nil {
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	return nil
}

func runPermissions(args []string, out io.Writer) error {
	fs := newFlagSet("permissions", out)
	file := fs.String("file", "", "permissions file (default BRIDGE_PERMISSIONS_FILE or <state dir>/permissions.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *file
	if path == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.PermissionsPath()
	}
	gate, err := permission.LoadFile(path)
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) > 0 {
		var granted bool
		switch rest[0] {
		case "grant":
			granted = true
		case "revoke":
			granted = false
		default:
			return fmt.Errorf("unknown action %q (use grant or revoke)", rest[0])
		}
		if len(rest) < 2 {
			return fmt.Errorf("%s requires at least one capability", rest[0])
		}
		for _, c := range rest[1:] {
			gate.Set(c, granted)
		}
		if err := gate.Save(); err != nil {
			return err
		}
	}

	grants := gate.Snapshot()
	names := make([]string, 0, len(grants))
	for name := range grants {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "Permissions file: %s\n", path)
	if len(names) == 0 {
		fmt.Fprintln(out, "No explicit grants; every capability follows the file default.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		state := "denied"
		if grants[name] {
			state = "granted"
		}
		fmt.Fprintf(tw, "  %s\t%s\n", name, state)
	}
	return tw.Flush()
}

// withRepository opens the audit database for one CLI command.
func withRepository(fn func(ctx context.Context, cfg *config.Config, repo *db.Repository) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, db.NewRepository(pool))
}

func runAudit(args []string, out io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "clear":
			return runAuditClear(out)
		case "prune":
			return runAuditPrune(args[1:], out)
		}
	}

	fs := newFlagSet("audit", out)
	limit := fs.IntP("limit", "n", db.DefaultListLimit, "maximum rows to show")
	namespace := fs.String("namespace", "", "only this capability namespace (e.g. file)")
	failed := fs.Bool("failed", false, "only failed invocations")
	stats := fs.Bool("stats", false, "show per-command totals instead of rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRepository(func(ctx context.Context, _ *config.Config, repo *db.Repository) error {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		if *stats {
			rows, err := repo.StatsByCommand(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "COMMAND\tTOTAL\tFAILURES\tAVG MS")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", r.Command, r.Total, r.Failures, r.AvgMs)
			}
			return tw.Flush()
		}

		rows, err := repo.ListRecentInvocations(ctx, db.ListInvocationsParams{
			Namespace:  *namespace,
			FailedOnly: *failed,
			Limit:      *limit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TIME\tCOMMAND\tTRANSPORT\tRESULT\tMS")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.InvokedAt.Local().Format(time.RFC3339), r.Command, r.Transport, auditResult(r.Ok, r.Code), r.DurationMs)
		}
		return tw.Flush()
	})
}

func auditResult(ok bool, code string) string {
	if ok {
		return "ok"
	}
	return code
}

func runAuditClear(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ClearInvocations(ctx, pool); err != nil {
		return fmt.Errorf("clear audit: %w", err)
	}
	fmt.Fprintln(out, "Audit records cleared.")
	return nil
}

func runAuditPrune(args []string, out io.Writer) error {
	fs := newFlagSet("audit prune", out)
	olderThan := fs.Duration("older-than", 0, "age cutoff (default BRIDGE_AUDIT_RETENTION)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRepository(func(ctx context.Context, cfg *config.Config, repo *db.Repository) error {
		age := *olderThan
		if age <= 0 {
			age = cfg.AuditRetention
		}
		n, err := repo.PruneInvocations(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d audit records older than %s.\n", n, age)
		return nil
	})
}

func runMigrate(sub string, out io.Writer) error {
	switch sub {
	case "up", "status", "down":
	default:
		return fmt.Errorf("unknown subcommand %q (use up, down, status)", sub)
	}
	if sub == "down" {
		return db.MigrationDown(out)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if sub == "status" {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath, out)
	}
	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Fprintf(out, "Applied %d migration files.\n", len(migrationSQL))
	return nil
}

func runEnsureDB(dbName string, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	if err := db.EnsureDatabase(context.Background(), u.String()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %q is ready.\n", dbName)
	return nil
}
